package keys

// Key id planes. Physical ids are USB HID usages (page 0x07). Logical ids
// derived from a HID usage carry HIDPlane; generic modifiers that stand for
// a left/right pair additionally carry SynonymPlane.
const (
	HIDPlane     uint64 = 0x00100000000
	SynonymPlane uint64 = 0x20000000000
)

// Physical key ids for keys referenced by name elsewhere.
const (
	PhysicalEnter        uint64 = 0x00070028
	PhysicalEscape       uint64 = 0x00070029
	PhysicalBackspace    uint64 = 0x0007002a
	PhysicalTab          uint64 = 0x0007002b
	PhysicalSpace        uint64 = 0x0007002c
	PhysicalControlLeft  uint64 = 0x000700e0
	PhysicalShiftLeft    uint64 = 0x000700e1
	PhysicalAltLeft      uint64 = 0x000700e2
	PhysicalMetaLeft     uint64 = 0x000700e3
	PhysicalControlRight uint64 = 0x000700e4
	PhysicalShiftRight   uint64 = 0x000700e5
	PhysicalAltRight     uint64 = 0x000700e6
	PhysicalMetaRight    uint64 = 0x000700e7
)

// Logical key ids for keys referenced by name elsewhere.
const (
	LogicalEnter        = HIDPlane | PhysicalEnter
	LogicalEscape       = HIDPlane | PhysicalEscape
	LogicalBackspace    = HIDPlane | PhysicalBackspace
	LogicalTab          = HIDPlane | PhysicalTab
	LogicalSpace        = HIDPlane | PhysicalSpace
	LogicalControlLeft  = HIDPlane | PhysicalControlLeft
	LogicalShiftLeft    = HIDPlane | PhysicalShiftLeft
	LogicalAltLeft      = HIDPlane | PhysicalAltLeft
	LogicalMetaLeft     = HIDPlane | PhysicalMetaLeft
	LogicalControlRight = HIDPlane | PhysicalControlRight
	LogicalShiftRight   = HIDPlane | PhysicalShiftRight
	LogicalAltRight     = HIDPlane | PhysicalAltRight
	LogicalMetaRight    = HIDPlane | PhysicalMetaRight

	LogicalControl = SynonymPlane | LogicalControlLeft
	LogicalShift   = SynonymPlane | LogicalShiftLeft
	LogicalAlt     = SynonymPlane | LogicalAltLeft
	LogicalMeta    = SynonymPlane | LogicalMetaLeft
)

// LogicalFromHID returns the logical id derived from a HID usage.
func LogicalFromHID(usage uint64) uint64 { return HIDPlane | usage }

type knownKey struct {
	usage uint64
	label string
}

type synonymGroup struct {
	id      uint64
	label   string
	members []uint64
}

var synonymGroups = []synonymGroup{
	{LogicalControl, "Control", []uint64{LogicalControlLeft, LogicalControlRight}},
	{LogicalShift, "Shift", []uint64{LogicalShiftLeft, LogicalShiftRight}},
	{LogicalAlt, "Alt", []uint64{LogicalAltLeft, LogicalAltRight}},
	{LogicalMeta, "Meta", []uint64{LogicalMetaLeft, LogicalMetaRight}},
}

var knownKeys = []knownKey{
	{0x00070004, "Key A"}, {0x00070005, "Key B"}, {0x00070006, "Key C"},
	{0x00070007, "Key D"}, {0x00070008, "Key E"}, {0x00070009, "Key F"},
	{0x0007000a, "Key G"}, {0x0007000b, "Key H"}, {0x0007000c, "Key I"},
	{0x0007000d, "Key J"}, {0x0007000e, "Key K"}, {0x0007000f, "Key L"},
	{0x00070010, "Key M"}, {0x00070011, "Key N"}, {0x00070012, "Key O"},
	{0x00070013, "Key P"}, {0x00070014, "Key Q"}, {0x00070015, "Key R"},
	{0x00070016, "Key S"}, {0x00070017, "Key T"}, {0x00070018, "Key U"},
	{0x00070019, "Key V"}, {0x0007001a, "Key W"}, {0x0007001b, "Key X"},
	{0x0007001c, "Key Y"}, {0x0007001d, "Key Z"},

	{0x0007001e, "Digit 1"}, {0x0007001f, "Digit 2"}, {0x00070020, "Digit 3"},
	{0x00070021, "Digit 4"}, {0x00070022, "Digit 5"}, {0x00070023, "Digit 6"},
	{0x00070024, "Digit 7"}, {0x00070025, "Digit 8"}, {0x00070026, "Digit 9"},
	{0x00070027, "Digit 0"},

	{PhysicalEnter, "Enter"},
	{PhysicalEscape, "Escape"},
	{PhysicalBackspace, "Backspace"},
	{PhysicalTab, "Tab"},
	{PhysicalSpace, "Space"},
	{0x0007002d, "Minus"},
	{0x0007002e, "Equal"},
	{0x0007002f, "Bracket Left"},
	{0x00070030, "Bracket Right"},
	{0x00070031, "Backslash"},
	{0x00070033, "Semicolon"},
	{0x00070034, "Quote"},
	{0x00070035, "Backquote"},
	{0x00070036, "Comma"},
	{0x00070037, "Period"},
	{0x00070038, "Slash"},
	{0x00070039, "Caps Lock"},

	{0x0007003a, "F1"}, {0x0007003b, "F2"}, {0x0007003c, "F3"},
	{0x0007003d, "F4"}, {0x0007003e, "F5"}, {0x0007003f, "F6"},
	{0x00070040, "F7"}, {0x00070041, "F8"}, {0x00070042, "F9"},
	{0x00070043, "F10"}, {0x00070044, "F11"}, {0x00070045, "F12"},

	{0x00070046, "Print Screen"},
	{0x00070047, "Scroll Lock"},
	{0x00070048, "Pause"},
	{0x00070049, "Insert"},
	{0x0007004a, "Home"},
	{0x0007004b, "Page Up"},
	{0x0007004c, "Delete"},
	{0x0007004d, "End"},
	{0x0007004e, "Page Down"},
	{0x0007004f, "Arrow Right"},
	{0x00070050, "Arrow Left"},
	{0x00070051, "Arrow Down"},
	{0x00070052, "Arrow Up"},
	{0x00070053, "Num Lock"},

	{PhysicalControlLeft, "Control Left"},
	{PhysicalShiftLeft, "Shift Left"},
	{PhysicalAltLeft, "Alt Left"},
	{PhysicalMetaLeft, "Meta Left"},
	{PhysicalControlRight, "Control Right"},
	{PhysicalShiftRight, "Shift Right"},
	{PhysicalAltRight, "Alt Right"},
	{PhysicalMetaRight, "Meta Right"},
}

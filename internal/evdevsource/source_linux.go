//go:build linux

package evdevsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	evdev "github.com/holoplot/go-evdev"

	"keybridge/internal/wire"
)

// Emit delivers one encoded packet. An error stops the source.
type Emit func(ctx context.Context, packet []byte) error

// Config configures a Source.
type Config struct {
	// Devices lists /dev/input paths. Empty means every keyboard found.
	Devices []string
	// Grab takes exclusive access to the devices.
	Grab   bool
	Logger *slog.Logger
}

// Source reads keyboards and emits packets in arrival order.
type Source struct {
	cfg    Config
	tr     *Translator
	logger *slog.Logger
}

// New returns a source that encodes with codec.
func New(cfg Config, codec *wire.Codec) *Source {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{cfg: cfg, tr: NewTranslator(codec), logger: logger.With("component", "evdev")}
}

// FindKeyboards returns the input devices that have both KEY_A and
// KEY_ENTER.
func FindKeyboards() ([]*evdev.InputDevice, error) {
	paths, err := evdev.ListDevicePaths()
	if err != nil {
		return nil, fmt.Errorf("list input devices: %w", err)
	}

	var kbds []*evdev.InputDevice
	for _, p := range paths {
		dev, err := evdev.Open(p.Path)
		if err != nil {
			continue
		}
		if isKeyboard(dev) {
			kbds = append(kbds, dev)
		} else {
			dev.Close()
		}
	}
	return kbds, nil
}

func isKeyboard(dev *evdev.InputDevice) bool {
	var hasA, hasEnter bool
	for _, c := range dev.CapableEvents(evdev.EV_KEY) {
		switch c {
		case evdev.KEY_A:
			hasA = true
		case evdev.KEY_ENTER:
			hasEnter = true
		}
	}
	return hasA && hasEnter
}

func (s *Source) open() ([]*evdev.InputDevice, error) {
	if len(s.cfg.Devices) == 0 {
		return FindKeyboards()
	}
	devs := make([]*evdev.InputDevice, 0, len(s.cfg.Devices))
	for _, path := range s.cfg.Devices {
		dev, err := evdev.Open(path)
		if err != nil {
			for _, d := range devs {
				d.Close()
			}
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		devs = append(devs, dev)
	}
	return devs, nil
}

type keyEvent struct {
	code  evdev.EvCode
	value int32
	ts    time.Duration
}

// Run opens the devices, reports keys already held as sync, then emits a
// packet per key transition until ctx is done or a device fails. Before
// returning it emits cancel for every key it reported down.
func (s *Source) Run(ctx context.Context, emit Emit) error {
	devs, err := s.open()
	if err != nil {
		return err
	}
	if len(devs) == 0 {
		return errors.New("no keyboard devices found")
	}

	for _, dev := range devs {
		name, _ := dev.Name()
		s.logger.Info("reading device", "path", dev.Path(), "name", name)
		if s.cfg.Grab {
			if err := dev.Grab(); err != nil {
				s.logger.Warn("grab failed", "path", dev.Path(), "error", err)
			}
		}
	}

	runErr := s.sync(ctx, devs, emit)
	if runErr == nil {
		runErr = s.read(ctx, devs, emit)
	} else {
		for _, dev := range devs {
			dev.Close()
		}
	}

	// Release what the host was told is down, even when ctx is done.
	cancels, err := s.tr.CancelAll(kernelNow())
	if err != nil && runErr == nil {
		runErr = err
	}
	flush := context.WithoutCancel(ctx)
	for _, p := range cancels {
		if err := emit(flush, p); err != nil {
			s.logger.Warn("cancel not delivered", "error", err)
			break
		}
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func (s *Source) sync(ctx context.Context, devs []*evdev.InputDevice, emit Emit) error {
	ts := kernelNow()
	for _, dev := range devs {
		state, err := dev.State(evdev.EV_KEY)
		if err != nil {
			s.logger.Warn("read key state failed", "path", dev.Path(), "error", err)
			continue
		}
		for code, down := range state {
			if !down {
				continue
			}
			p, err := s.tr.Sync(code, ts)
			if err != nil {
				return err
			}
			if p != nil {
				if err := emit(ctx, p); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *Source) read(ctx context.Context, devs []*evdev.InputDevice, emit Emit) error {
	events := make(chan keyEvent, 64)
	errs := make(chan error, len(devs))
	done := make(chan struct{})
	var wg sync.WaitGroup

	for _, dev := range devs {
		wg.Add(1)
		go func(dev *evdev.InputDevice) {
			defer wg.Done()
			for {
				ev, err := dev.ReadOne()
				if err != nil {
					errs <- fmt.Errorf("read %s: %w", dev.Path(), err)
					return
				}
				if ev.Type != evdev.EV_KEY {
					continue
				}
				select {
				case events <- keyEvent{code: ev.Code, value: ev.Value, ts: EventTime(ev.Time)}:
				case <-done:
					return
				}
			}
		}(dev)
	}

	stop := func() {
		close(done)
		// Closing unblocks ReadOne.
		for _, dev := range devs {
			if s.cfg.Grab {
				dev.Ungrab()
			}
			dev.Close()
		}
		wg.Wait()
	}

	for {
		select {
		case <-ctx.Done():
			stop()
			return ctx.Err()
		case err := <-errs:
			stop()
			return err
		case ev := <-events:
			p, err := s.tr.Key(ev.code, ev.value, ev.ts)
			if err != nil {
				stop()
				return err
			}
			if p == nil {
				continue
			}
			if err := emit(ctx, p); err != nil {
				stop()
				return err
			}
		}
	}
}

// kernelNow returns the wall clock in the form evdev stamps events with.
func kernelNow() time.Duration {
	return time.Duration(time.Now().UnixNano())
}

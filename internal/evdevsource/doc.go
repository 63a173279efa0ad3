// Package evdevsource reads Linux input devices and turns key events into
// wire packets, so the daemon can be driven by a real keyboard without a
// host application. It is empty on other platforms.
package evdevsource

// SPDX-FileCopyrightText: 2026 ptt-box contributors
// SPDX-License-Identifier: MIT

// Package relay drives the USB serial relay that keys the radio
// transmitter. Commands are the fixed ASCII tokens of the X-RL2 board.
package relay

import (
	"io"
	"log/slog"
	"sync"

	"go.bug.st/serial"
)

const (
	cmdOn  = "A1"
	cmdOff = "A0"
)

// Driver serializes all writes to the relay port. A driver whose port
// could not be opened (or failed mid-run) is disabled: On/Off become
// no-ops so audio keeps flowing without the transmitter.
type Driver struct {
	mu       sync.Mutex
	port     io.WriteCloser
	disabled bool
	on       bool

	logger *slog.Logger
}

// Open connects to the serial relay. Failure never propagates: the
// returned driver is disabled and the server keeps running.
func Open(portName string, baudRate int) *Driver {
	logger := slog.With("component", "relay", "port", portName)

	port, err := serial.Open(portName, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		logger.Warn("relay port open failed, relay disabled", "error", err)
		return &Driver{disabled: true, logger: logger}
	}

	logger.Info("relay port opened", "baud", baudRate)
	return &Driver{port: port, logger: logger}
}

// Disabled creates a driver that ignores all commands. Used when
// ENABLE_RELAY is off.
func Disabled() *Driver {
	return &Driver{disabled: true, logger: slog.With("component", "relay")}
}

func newWithPort(port io.WriteCloser) *Driver {
	return &Driver{port: port, logger: slog.With("component", "relay")}
}

// On energizes the relay.
func (d *Driver) On() {
	d.write(cmdOn, true)
}

// Off de-energizes the relay.
func (d *Driver) Off() {
	d.write(cmdOff, false)
}

// Active reports whether the relay is currently energized.
func (d *Driver) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.on && !d.disabled
}

func (d *Driver) write(cmd string, on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.disabled {
		return
	}
	if _, err := d.port.Write([]byte(cmd)); err != nil {
		// Port vanished; disable for the remainder of the run.
		d.logger.Error("relay write failed, disabling relay", "error", err)
		d.disabled = true
		d.port.Close()
		return
	}
	d.on = on
	d.logger.Debug("relay command sent", "cmd", cmd)
}

// Close de-energizes and releases the port.
func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.disabled || d.port == nil {
		return
	}
	if d.on {
		if _, err := d.port.Write([]byte(cmdOff)); err != nil {
			d.logger.Warn("relay off on close failed", "error", err)
		}
	}
	d.port.Close()
	d.disabled = true
}

package kst

import (
	"encoding/json"
	"strings"
	"syscall"
)

// Share is the bit field of host contexts shared with the sandbox.
type Share uint8

const (
	ShareIPC Share = 1 << iota
	ShareNetwork
)

func (s Share) String() string {
	return bitString([]string{"ipc", "network"}, uint(s))
}

// Device is the bit field of device classes made available to the sandbox.
type Device uint8

const (
	DeviceAll Device = 1 << iota
	DeviceDRI
	DeviceKVM
	DeviceSHM
)

func (d Device) String() string {
	return bitString([]string{"all", "dri", "kvm", "shm"}, uint(d))
}

// Socket is the bit field of well-known host sockets the sandbox may reach.
type Socket uint16

const (
	SocketWayland Socket = 1 << iota
	SocketX11
	SocketFallbackX11
	SocketSSHAuth
	SocketPulseaudio
	SocketSystemBus
	SocketSessionBus
	SocketA11yBus
	SocketPcsc
	SocketCups
)

func (s Socket) String() string {
	return bitString([]string{
		"wayland", "x11", "fallback-x11", "ssh-auth", "pulseaudio",
		"system-bus", "session-bus", "a11y-bus", "pcsc", "cups",
	}, uint(s))
}

func bitString(names []string, v uint) string {
	if v == 0 {
		return "(none)"
	}
	parts := make([]string, 0, len(names))
	for i, name := range names {
		if v&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, " ")
}

// socketsJSON is the [json] representation of the [Socket] bit field.
type socketsJSON struct {
	Wayland     bool `json:"wayland,omitempty"`
	X11         bool `json:"x11,omitempty"`
	FallbackX11 bool `json:"fallback_x11,omitempty"`
	SSHAuth     bool `json:"ssh_auth,omitempty"`
	Pulseaudio  bool `json:"pulseaudio,omitempty"`
	SystemBus   bool `json:"system_bus,omitempty"`
	SessionBus  bool `json:"session_bus,omitempty"`
	A11yBus     bool `json:"a11y_bus,omitempty"`
	Pcsc        bool `json:"pcsc,omitempty"`
	Cups        bool `json:"cups,omitempty"`
}

// Sockets is the [json] adapter for [Socket].
type Sockets Socket

// Unwrap returns the underlying [Socket].
func (s *Sockets) Unwrap() Socket {
	if s == nil {
		return 0
	}
	return Socket(*s)
}

func (s *Sockets) MarshalJSON() ([]byte, error) {
	if s == nil {
		return nil, syscall.EINVAL
	}
	v := Socket(*s)
	return json.Marshal(&socketsJSON{
		Wayland:     v&SocketWayland != 0,
		X11:         v&SocketX11 != 0,
		FallbackX11: v&SocketFallbackX11 != 0,
		SSHAuth:     v&SocketSSHAuth != 0,
		Pulseaudio:  v&SocketPulseaudio != 0,
		SystemBus:   v&SocketSystemBus != 0,
		SessionBus:  v&SocketSessionBus != 0,
		A11yBus:     v&SocketA11yBus != 0,
		Pcsc:        v&SocketPcsc != 0,
		Cups:        v&SocketCups != 0,
	})
}

func (s *Sockets) UnmarshalJSON(data []byte) error {
	if s == nil {
		return syscall.EINVAL
	}

	v := new(socketsJSON)
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	var vs Socket
	if v.Wayland {
		vs |= SocketWayland
	}
	if v.X11 {
		vs |= SocketX11
	}
	if v.FallbackX11 {
		vs |= SocketFallbackX11
	}
	if v.SSHAuth {
		vs |= SocketSSHAuth
	}
	if v.Pulseaudio {
		vs |= SocketPulseaudio
	}
	if v.SystemBus {
		vs |= SocketSystemBus
	}
	if v.SessionBus {
		vs |= SocketSessionBus
	}
	if v.A11yBus {
		vs |= SocketA11yBus
	}
	if v.Pcsc {
		vs |= SocketPcsc
	}
	if v.Cups {
		vs |= SocketCups
	}
	*s = Sockets(vs)
	return nil
}

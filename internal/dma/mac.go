package dma

import (
	"fmt"
	"strings"
)

// Status is the controller's DMA status register.
type Status uint32

const (
	// StatusTxUnderflow is raised when the transmit DMA ran out of data
	// mid-frame. It suspends transmission until cleared.
	StatusTxUnderflow Status = 1 << iota
	// StatusRxUnavailable is raised when the receive DMA found its next
	// descriptor owned by software. It suspends reception until cleared.
	StatusRxUnavailable
)

func (s Status) String() string {
	if s == 0 {
		return "0"
	}
	var parts []string
	if s&StatusTxUnderflow != 0 {
		parts = append(parts, "tx-underflow")
		s &^= StatusTxUnderflow
	}
	if s&StatusRxUnavailable != 0 {
		parts = append(parts, "rx-unavailable")
		s &^= StatusRxUnavailable
	}
	if s != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(s)))
	}
	return strings.Join(parts, "|")
}

// MAC is the command surface of the Ethernet controller.
type MAC interface {
	// TransmitFrame tells the controller a frame of length bytes is ready
	// in the descriptors just handed to it.
	TransmitFrame(length int)
	// Status reads the DMA status register.
	Status() Status
	// ClearStatus acknowledges the given status bits.
	ClearStatus(Status)
	// ResumeTransmit issues a transmit poll demand.
	ResumeTransmit()
	// ResumeReceive issues a receive poll demand.
	ResumeReceive()
}

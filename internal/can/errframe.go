package can

import "strings"

// Error classes carried in the id of an error frame (<linux/can/error.h>).
const (
	ErrClassTxTimeout = 0x00000001
	ErrClassLostArb   = 0x00000002 // data[0]
	ErrClassCtrl      = 0x00000004 // data[1]
	ErrClassProt      = 0x00000008 // data[2..3]
	ErrClassTrx       = 0x00000010 // data[4]
	ErrClassAck       = 0x00000020
	ErrClassBusOff    = 0x00000040
	ErrClassBusError  = 0x00000080
	ErrClassRestarted = 0x00000100
)

// Controller status bits in data[1].
const (
	CtrlRxOverflow = 0x01
	CtrlTxOverflow = 0x02
	CtrlRxWarning  = 0x04
	CtrlTxWarning  = 0x08
	CtrlRxPassive  = 0x10
	CtrlTxPassive  = 0x20
	CtrlActive     = 0x40
)

// Protocol violation types in data[2].
const (
	ProtBit      = 0x01
	ProtForm     = 0x02
	ProtStuff    = 0x04
	ProtBit0     = 0x08
	ProtBit1     = 0x10
	ProtOverload = 0x20
	ProtActive   = 0x40
	ProtTx       = 0x80
)

type bitName struct {
	bit  uint32
	name string
}

var classNames = []bitName{
	{ErrClassTxTimeout, "tx_timeout"},
	{ErrClassLostArb, "lost_arbitration"},
	{ErrClassCtrl, "controller"},
	{ErrClassProt, "protocol"},
	{ErrClassTrx, "transceiver"},
	{ErrClassAck, "no_ack"},
	{ErrClassBusOff, "bus_off"},
	{ErrClassBusError, "bus_error"},
	{ErrClassRestarted, "restarted"},
}

var ctrlNames = []bitName{
	{CtrlRxOverflow, "rx_overflow"},
	{CtrlTxOverflow, "tx_overflow"},
	{CtrlRxWarning, "rx_warning"},
	{CtrlTxWarning, "tx_warning"},
	{CtrlRxPassive, "rx_passive"},
	{CtrlTxPassive, "tx_passive"},
	{CtrlActive, "active"},
}

var protNames = []bitName{
	{ProtBit, "bit"},
	{ProtForm, "form"},
	{ProtStuff, "stuff"},
	{ProtBit0, "bit0"},
	{ProtBit1, "bit1"},
	{ProtOverload, "overload"},
	{ProtActive, "active"},
	{ProtTx, "tx"},
}

// ErrorInfo is the decoded content of an error frame.
type ErrorInfo struct {
	Classes    []string
	Controller []string
	Protocol   []string
	LostArbBit uint8
	TxErrors   uint8
	RxErrors   uint8
}

// String joins the decoded fields for a single log attribute.
func (e ErrorInfo) String() string {
	var b strings.Builder
	b.WriteString(strings.Join(e.Classes, ","))
	if len(e.Controller) > 0 {
		b.WriteString(" ctrl=")
		b.WriteString(strings.Join(e.Controller, ","))
	}
	if len(e.Protocol) > 0 {
		b.WriteString(" prot=")
		b.WriteString(strings.Join(e.Protocol, ","))
	}
	return b.String()
}

func names(v uint32, table []bitName) []string {
	var out []string
	for _, bn := range table {
		if v&bn.bit != 0 {
			out = append(out, bn.name)
		}
	}
	return out
}

// DescribeError decodes an error frame. ok is false when f is not an error frame.
func DescribeError(f Frame) (ErrorInfo, bool) {
	if !f.IsError() {
		return ErrorInfo{}, false
	}
	class := f.CANID & CAN_ERR_MASK
	info := ErrorInfo{
		Classes:  names(class, classNames),
		TxErrors: f.Data[6],
		RxErrors: f.Data[7],
	}
	if class&ErrClassLostArb != 0 {
		info.LostArbBit = f.Data[0]
	}
	if class&ErrClassCtrl != 0 {
		info.Controller = names(uint32(f.Data[1]), ctrlNames)
	}
	if class&ErrClassProt != 0 {
		info.Protocol = names(uint32(f.Data[2]), protNames)
	}
	return info, true
}

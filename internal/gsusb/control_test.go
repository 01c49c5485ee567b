package gsusb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

type ctrlCall struct {
	rType, req uint8
	val, idx   uint16
	data       []byte
}

// fakeDev records requests and answers IN requests from canned replies.
type fakeDev struct {
	calls   []ctrlCall
	replies map[uint8][]byte
	failReq int
	short   bool
}

func (d *fakeDev) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	if d.failReq >= 0 && int(request) == d.failReq {
		return 0, errors.New("stall")
	}
	if rType&0x80 != 0 {
		copy(data, d.replies[request])
	}
	d.calls = append(d.calls, ctrlCall{rType, request, val, idx, append([]byte(nil), data...)})
	if d.short {
		return len(data) - 1, nil
	}
	return len(data), nil
}

func newFakeDev() *fakeDev {
	cfg := make([]byte, 12)
	cfg[3] = 0 // one channel
	binary.LittleEndian.PutUint32(cfg[4:8], 2)
	binary.LittleEndian.PutUint32(cfg[8:12], 1)
	bt := make([]byte, 40)
	binary.LittleEndian.PutUint32(bt[0:4], FeatLoopBack|FeatIdentify)
	binary.LittleEndian.PutUint32(bt[4:8], 48000000)
	binary.LittleEndian.PutUint32(bt[36:40], 1)
	return &fakeDev{failReq: -1, replies: map[uint8][]byte{BReqDeviceConfig: cfg, BReqBTConst: bt}}
}

func TestStartSequence(t *testing.T) {
	d := newFakeDev()
	rate := Rates[DefaultRate]
	info, err := Start(d, 0, rate)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	wantReqs := []uint8{BReqHostFormat, BReqDeviceConfig, BReqBTConst, BReqBitTiming, BReqMode}
	if len(d.calls) != len(wantReqs) {
		t.Fatalf("expected %d calls got %d", len(wantReqs), len(d.calls))
	}
	for i, r := range wantReqs {
		if d.calls[i].req != r {
			t.Fatalf("call %d: breq %d want %d", i, d.calls[i].req, r)
		}
	}
	if !bytes.Equal(d.calls[0].data, []byte{0xEF, 0xBE, 0x00, 0x00}) || d.calls[0].rType != 0x41 {
		t.Fatalf("host format call %+v", d.calls[0])
	}
	if d.calls[1].rType != 0xC1 || len(d.calls[1].data) != 12 {
		t.Fatalf("device config call %+v", d.calls[1])
	}
	wantBT := []byte{6, 0, 0, 0, 7, 0, 0, 0, 2, 0, 0, 0, 1, 0, 0, 0, 6, 0, 0, 0}
	if !bytes.Equal(d.calls[3].data, wantBT) {
		t.Fatalf("bit timing payload % x", d.calls[3].data)
	}
	if !bytes.Equal(d.calls[4].data, []byte{1, 0, 0, 0, 0, 0, 0, 0}) {
		t.Fatalf("mode payload % x", d.calls[4].data)
	}
	if info.Config.SWVersion != 2 || info.Config.HWVersion != 1 || info.Config.Channels() != 1 {
		t.Fatalf("config %+v", info.Config)
	}
	if info.BTConst.FClkCAN != 48000000 || info.BTConst.Feature&FeatIdentify == 0 || info.BTConst.BRPInc != 1 {
		t.Fatalf("bt const %+v", info.BTConst)
	}
	if info.Rate.Name != "500k" {
		t.Fatalf("rate %+v", info.Rate)
	}
}

func TestStartRejectsMissingChannel(t *testing.T) {
	d := newFakeDev()
	if _, err := Start(d, 2, Rates[0]); !errors.Is(err, ErrChannel) {
		t.Fatalf("expected ErrChannel got %v", err)
	}
}

func TestStartControlFailure(t *testing.T) {
	d := newFakeDev()
	d.failReq = BReqBitTiming
	if _, err := Start(d, 0, Rates[0]); !errors.Is(err, ErrControl) {
		t.Fatalf("expected ErrControl got %v", err)
	}
	d = newFakeDev()
	d.short = true
	if err := SetHostFormat(d); !errors.Is(err, ErrShortControl) {
		t.Fatalf("expected ErrShortControl got %v", err)
	}
}

func TestStopSendsReset(t *testing.T) {
	d := newFakeDev()
	if err := Stop(d, 0); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(d.calls) != 1 || d.calls[0].req != BReqMode || !bytes.Equal(d.calls[0].data, make([]byte, 8)) {
		t.Fatalf("stop call %+v", d.calls)
	}
}

func TestLookupRate(t *testing.T) {
	for _, name := range []string{"500k", "s500k", "500K", "500kbps"} {
		r, err := LookupRate(name)
		if err != nil || r.Bps != 500000 {
			t.Fatalf("%q: %+v %v", name, r, err)
		}
	}
	if r, err := LookupRate("s33.33k"); err != nil || r.Timing.BRP != 0xB4 {
		t.Fatalf("33.33k: %+v %v", r, err)
	}
	if _, err := LookupRate("12k"); err == nil {
		t.Fatalf("expected error for unknown rate")
	}
	if len(Rates) != 16 || Rates[DefaultRate].Name != "500k" {
		t.Fatalf("preset table changed")
	}
}

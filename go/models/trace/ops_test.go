package trace

import (
	"bytes"
	"io"
	"io/ioutil"
	"reflect"
	"testing"

	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/slot"
)

var allOps = []models.Op{
	&OpNop{},
	&OpRetype{slot.Encode(0, 0x20).Path(), uint8(models.CNode), 12, slot.TableEntry(3), 1},
	&OpDerive{DERIVE_MINT, slot.Encode(1, 5).Path(), slot.Within(slot.Encode(3, 2), 2, 12), 0x55},
	&OpDerive{DERIVE_MOVE, slot.Encode(1, 5).Path(), slot.TableEntry(3), 0},
	&OpRevoke{slot.Encode(3, 0x100).Path()},
	&OpDelete{slot.Encode(3, 0x100).Path()},
	&OpMapFrame{slot.Encode(1, 7).Path(), slot.Encode(0, 3).Path(), 0x40000000, models.PROT_READ | models.PROT_EXEC},
	&OpMapTable{slot.Encode(1, 8).Path(), slot.Encode(0, 3).Path(), 0x40000000, 2},
	&OpUnmap{slot.Encode(1, 7).Path()},
	&OpFault{Badge: 2, Addr: 0x50000000, IP: 0x1000, Kind: models.FAULT_VM, Access: models.PROT_WRITE},
	&OpResume{slot.Encode(3, 0x101).Path()},
}

func TestOpPackUnpack(t *testing.T) {
	for _, op := range allOps {
		buf := make([]byte, op.Sizeof())
		op.Pack(buf)
		out, n, err := Unpack(bytes.NewReader(buf))
		if err != nil {
			t.Fatalf("%s: %v", op, err)
		}
		if n != len(buf) {
			t.Errorf("%s: consumed %d of %d bytes", op, n, len(buf))
		}
		if !reflect.DeepEqual(op, out) {
			t.Errorf("%s: unpacked as %s", op, out)
		}
	}
}

type closeBuffer struct{ bytes.Buffer }

func (c *closeBuffer) Close() error { return nil }

func TestTraceFile(t *testing.T) {
	var buf closeBuffer
	tw, err := NewWriter(&buf, "x86", 4)
	if err != nil {
		t.Fatal(err)
	}
	for _, op := range allOps {
		tw.OnOp(op)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	tr, err := NewReader(ioutil.NopCloser(bytes.NewReader(buf.Bytes())))
	if err != nil {
		t.Fatal(err)
	}
	if tr.Header.Arch != "x86" || tr.Header.Levels != 4 {
		t.Fatalf("bad header: %+v", tr.Header)
	}
	var got []models.Op
	for {
		op, err := tr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			t.Fatal(err)
		}
		got = append(got, op)
	}
	if !reflect.DeepEqual(got, allOps) {
		t.Fatalf("read back %d ops, wrote %d", len(got), len(allOps))
	}
}

func TestBadMagic(t *testing.T) {
	r := ioutil.NopCloser(bytes.NewReader(make([]byte, 64)))
	if _, err := NewReader(r); err == nil {
		t.Fatal("zeroed header should be rejected")
	}
}

package kvmsys_test

import (
	"os"
	"testing"
	"unsafe"

	"github.com/snapfuzz/snapfuzz/internal/kvmsys"
)

func skipWithoutDevKVM(t *testing.T) {
	t.Helper()

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skip("/dev/kvm not available in this environment")
	}
}

func TestOpenAndCreateVM(t *testing.T) {
	t.Parallel()
	skipWithoutDevKVM(t)

	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open /dev/kvm: %v", err)
	}
	defer f.Close()

	kvmFd := f.Fd()

	if _, err := kvmsys.GetAPIVersion(kvmFd); err != nil {
		t.Fatalf("GetAPIVersion: %v", err)
	}

	vmFd, err := kvmsys.CreateVM(kvmFd)
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	if vmFd == 0 {
		t.Fatalf("CreateVM returned zero fd")
	}
}

func TestCheckExtensionMemSlots(t *testing.T) {
	t.Parallel()
	skipWithoutDevKVM(t)

	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open /dev/kvm: %v", err)
	}
	defer f.Close()

	n, err := kvmsys.CheckExtension(f.Fd(), kvmsys.CapNRMemSlots)
	if err != nil {
		t.Fatalf("CheckExtension: %v", err)
	}

	if n <= 0 {
		t.Errorf("have: %d memslots, want: > 0", n)
	}
}

func TestRunDataIODecode(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		run  func() *kvmsys.RunData
		want uint8
	}{
		{
			name: "SuccessDirectionOut",
			run: func() *kvmsys.RunData {
				buf := make([]byte, 512)
				r := kvmsys.MapRunData(buf)
				*(*uint8)(unsafe.Pointer(&r.Data[0])) = kvmsys.ExitIODirOut

				return r
			},
			want: kvmsys.ExitIODirOut,
		},
		{
			name: "SuccessDirectionIn",
			run: func() *kvmsys.RunData {
				buf := make([]byte, 512)
				r := kvmsys.MapRunData(buf)
				*(*uint8)(unsafe.Pointer(&r.Data[0])) = kvmsys.ExitIODirIn

				return r
			},
			want: kvmsys.ExitIODirIn,
		},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			r := test.run()
			direction, _, _, _, _ := r.IO()

			if direction != test.want {
				t.Errorf("have: %d, want: %d", direction, test.want)
			}
		})
	}
}

func TestRunDataMMIORoundTrip(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 512)
	r := kvmsys.MapRunData(buf)

	const wantAddr = uint64(0xdead0000)

	mmio := struct {
		PhysAddr uint64
		Data     [8]byte
		Len      uint32
		IsWrite  uint8
	}{PhysAddr: wantAddr, Len: 4, IsWrite: 0}

	*(*uint64)(unsafe.Pointer(&r.Data[0])) = mmio.PhysAddr
	*(*uint32)(unsafe.Pointer(&r.Data[16])) = mmio.Len

	addr, data, isWrite := r.MMIO()
	if addr != wantAddr {
		t.Errorf("have addr: %#x, want: %#x", addr, wantAddr)
	}

	if len(data) != 4 {
		t.Errorf("have len: %d, want: 4", len(data))
	}

	if isWrite {
		t.Errorf("have isWrite: true, want: false")
	}

	r.SetMMIOReadData([]byte{1, 2, 3, 4})

	_, data2, _ := r.MMIO()
	for i, b := range []byte{1, 2, 3, 4} {
		if data2[i] != b {
			t.Errorf("have data2[%d]: %d, want: %d", i, data2[i], b)
		}
	}
}

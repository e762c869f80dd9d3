package platform

import (
	"errors"
	"testing"
)

func TestVersionEncode(t *testing.T) {
	v := Version{Major: 0, Minor: 1}
	if got := v.Encode(); got != 0x00000001 {
		t.Fatalf("Encode() = 0x%x, want 0x1", got)
	}
	v = Version{Major: 2, Minor: 3}
	if got := v.Encode(); got != 0x00020003 {
		t.Fatalf("Encode() = 0x%x, want 0x20003", got)
	}
	if v.String() != "v2.3" {
		t.Fatalf("String() = %q", v.String())
	}
}

func TestParseFeatures(t *testing.T) {
	f, err := ParseFeatures([]string{"timer-value", "SCounterEn", " mcounteren", "mfaults-delegation"})
	if err != nil {
		t.Fatalf("ParseFeatures: %v", err)
	}
	if f != DefaultFeatures {
		t.Fatalf("features = %v, want %v", f, DefaultFeatures)
	}
	if f.Has(FeaturePMP) {
		t.Fatalf("unexpected pmp feature")
	}

	if _, err := ParseFeatures([]string{"warp-drive"}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestDescriptorValidate(t *testing.T) {
	good := Descriptor{Name: "test", HartCount: 2, HartStackSize: 8192}
	if err := good.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	tests := []struct {
		name string
		d    Descriptor
	}{
		{"no name", Descriptor{HartCount: 1, HartStackSize: 4096}},
		{"no harts", Descriptor{Name: "x", HartStackSize: 4096}},
		{"no stack", Descriptor{Name: "x", HartCount: 1}},
		{"too many harts", Descriptor{Name: "x", HartCount: MaxHarts + 1, HartStackSize: 4096}},
		{"all disabled", Descriptor{Name: "x", HartCount: 2, HartStackSize: 4096, DisabledHarts: HartMask(0).With(0).With(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.d.Validate(); !errors.Is(err, ErrConfiguration) {
				t.Fatalf("Validate() = %v, want configuration error", err)
			}
		})
	}
}

func TestDescriptorCheckHart(t *testing.T) {
	d := Descriptor{Name: "x", HartCount: 4, HartStackSize: 4096, DisabledHarts: HartMask(0).With(2)}

	if err := d.CheckHart(1); err != nil {
		t.Fatalf("CheckHart(1): %v", err)
	}
	if err := d.CheckHart(2); !errors.Is(err, ErrHartDisabled) {
		t.Fatalf("CheckHart(2) = %v, want ErrHartDisabled", err)
	}
	if err := d.CheckHart(4); !errors.Is(err, ErrInvalidHart) {
		t.Fatalf("CheckHart(4) = %v, want ErrInvalidHart", err)
	}
	if got := d.StackTop(1); got != 8192 {
		t.Fatalf("StackTop(1) = %d", got)
	}
}

func TestErrorKind(t *testing.T) {
	err := &Error{Op: "cold init", Hart: 3, Subsystem: "timer", Err: ErrColdInitRepeated}
	if Kind(err) != ErrConfiguration {
		t.Fatalf("Kind = %v", Kind(err))
	}
	if Kind(HardwareFault("uart stuck")) != ErrHardwareFault {
		t.Fatalf("hardware fault kind mismatch")
	}
	if Kind(ErrTimeout) != ErrHardwareFault {
		t.Fatalf("timeout kind mismatch")
	}
	if Kind(errors.New("other")) != nil {
		t.Fatalf("foreign error has a kind")
	}
	if got := err.Error(); got != "hart 3: timer cold init: "+ErrColdInitRepeated.Error() {
		t.Fatalf("Error() = %q", got)
	}
}

package pdf

import (
	"encoding/hex"
	"fmt"
	"testing"
	"time"
)

func TestFindSignatures(t *testing.T) {
	der := []byte{0x30, 0x03, 0x02, 0x01, 0x05}
	hole := "<" + hex.EncodeToString(der) + "000000>"
	head := "%PDF-1.7\n9 0 obj\n<< /Type /Sig /SubFilter /ETSI.CAdES.detached /ByteRange [0 AAAA BBBB CCCC] /Contents "
	tail := " /M (D:20250115103000Z) /Reason (Approved \\(final\\)) /Location (Madrid) >>\nendobj\n%%EOF\n"

	// the byte range digits have a fixed width so they can be patched
	// once the offsets are known
	start := len(head)
	end := start + len(hole)
	total := end + len(tail)
	head = fmt.Sprintf("%%PDF-1.7\n9 0 obj\n<< /Type /Sig /SubFilter /ETSI.CAdES.detached /ByteRange [0 %04d %04d %04d] /Contents ", start, end, total-end)
	data := []byte(head + hole + tail)

	sigs, err := FindSignatures(data)
	if err != nil {
		t.Fatalf("FindSignatures failed: %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("signatures: got %d, want 1", len(sigs))
	}

	sig := sigs[0]
	if sig.SubFilter != "ETSI.CAdES.detached" {
		t.Errorf("SubFilter: got %s", sig.SubFilter)
	}
	if sig.Reason != "Approved (final)" {
		t.Errorf("Reason: got %q", sig.Reason)
	}
	if sig.Location != "Madrid" {
		t.Errorf("Location: got %q", sig.Location)
	}
	if sig.SigningTime == nil || !sig.SigningTime.Equal(time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)) {
		t.Errorf("SigningTime: got %v", sig.SigningTime)
	}
	if !sig.ValidRange(int64(len(data))) {
		t.Errorf("ByteRange %v should be valid", sig.ByteRange)
	}
	if string(sig.Contents) != string(der) {
		t.Errorf("Contents: got %x, want %x", sig.Contents, der)
	}
	if got := len(sig.SignedBytes(data)); got != len(data)-len(hole) {
		t.Errorf("SignedBytes length: got %d, want %d", got, len(data)-len(hole))
	}
}

func TestFindSignatures_None(t *testing.T) {
	sigs, err := FindSignatures([]byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\n%%EOF"))
	if err != nil {
		t.Fatalf("FindSignatures failed: %v", err)
	}
	if len(sigs) != 0 {
		t.Errorf("signatures: got %d, want 0", len(sigs))
	}
}

func TestSignatureDict_ValidRange(t *testing.T) {
	tests := []struct {
		name string
		br   [4]int64
		want bool
	}{
		{"valid", [4]int64{0, 100, 200, 50}, true},
		{"not from start", [4]int64{10, 100, 200, 50}, false},
		{"overlapping", [4]int64{0, 100, 100, 50}, false},
		{"past end", [4]int64{0, 100, 200, 60}, false},
		{"empty first range", [4]int64{0, 0, 200, 50}, false},
		{"first range past end", [4]int64{0, 300, 400, 0}, false},
		{"overflowing sum", [4]int64{0, 5, 1 << 62, 1 << 62}, false},
		{"negative tail", [4]int64{0, 100, 200, -1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SignatureDict{ByteRange: tt.br}.ValidRange(250)
			if got != tt.want {
				t.Errorf("ValidRange(%v): got %v, want %v", tt.br, got, tt.want)
			}
		})
	}
}

func TestParseSigningTime(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Time
		isNil    bool
	}{
		{"20250115103000Z", time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC), false},
		{"20250115113000+01'00'", time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC), false},
		{"20250115103000", time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC), false},
		{"yesterday", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseSigningTime(tt.input)
			if tt.isNil {
				if got != nil {
					t.Errorf("expected nil, got %v", got)
				}
				return
			}
			if got == nil {
				t.Fatal("expected time, got nil")
			}
			if !got.Equal(tt.expected) {
				t.Errorf("got %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestPageBound(t *testing.T) {
	tests := []struct {
		max, requested, want PageBound
	}{
		{5, 3, 3},
		{5, AllPages, 5},
		{3, 5, 3},
		{AllPages, 2, AllPages},
		{AllPages, AllPages, AllPages},
		{0, 4, 0},
	}
	for _, tt := range tests {
		if got := Effective(tt.max, tt.requested); got != tt.want {
			t.Errorf("Effective(%v, %v): got %v, want %v", tt.max, tt.requested, got, tt.want)
		}
	}

	if AllPages.Pages(7) != 7 || PageBound(3).Pages(7) != 3 || PageBound(9).Pages(7) != 7 {
		t.Error("Pages does not clamp to the page count")
	}

	for in, want := range map[string]PageBound{"": AllPages, "all": AllPages, "ALL": AllPages, "4": 4} {
		got, err := ParsePageBound(in)
		if err != nil || got != want {
			t.Errorf("ParsePageBound(%q): got %v, %v", in, got, err)
		}
	}
	if _, err := ParsePageBound("-2"); err == nil {
		t.Error("negative bound should fail")
	}
}

func TestPDFText(t *testing.T) {
	if got := pdfText(`a (b) \c`); got != `(a \(b\) \\c)` {
		t.Errorf("ascii: got %s", got)
	}
	if got := pdfText("ñ"); got != "<FEFF00F1>" {
		t.Errorf("utf16: got %s", got)
	}
}

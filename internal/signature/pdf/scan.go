package pdf

import (
	"bytes"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SignatureDict is a signature dictionary found in the raw document
type SignatureDict struct {
	Index     int
	ByteRange [4]int64
	// Contents is the DER CMS with the placeholder padding removed
	Contents    []byte
	SubFilter   string
	Reason      string
	Location    string
	SigningTime *time.Time
}

// Regex patterns for signature dictionary entries
var (
	byteRangePattern = regexp.MustCompile(`/ByteRange\s*\[\s*(\d+)\s+(\d+)\s+(\d+)\s+(\d+)\s*\]`)
	subFilterPattern = regexp.MustCompile(`/SubFilter\s*/([A-Za-z0-9.#_-]+)`)
	reasonPattern    = regexp.MustCompile(`/Reason\s*\(((?:[^()\\]|\\.)*)\)`)
	locationPattern  = regexp.MustCompile(`/Location\s*\(((?:[^()\\]|\\.)*)\)`)
	datePattern      = regexp.MustCompile(`/M\s*\(D:([0-9]{14})([^)]*)\)`)
)

// FindSignatures scans data for signature dictionaries, in file order
func FindSignatures(data []byte) ([]SignatureDict, error) {
	matches := byteRangePattern.FindAllSubmatchIndex(data, -1)
	sigs := make([]SignatureDict, 0, len(matches))

	for i, m := range matches {
		sig := SignatureDict{Index: i}
		for j := 0; j < 4; j++ {
			n, err := strconv.ParseInt(string(data[m[2+2*j]:m[3+2*j]]), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("signature %d: invalid byte range: %w", i, err)
			}
			sig.ByteRange[j] = n
		}

		dict := enclosingObject(data, m[0], m[1])
		if sm := subFilterPattern.FindSubmatch(dict); sm != nil {
			sig.SubFilter = string(sm[1])
		}
		if sm := reasonPattern.FindSubmatch(dict); sm != nil {
			sig.Reason = unescape(sm[1])
		}
		if sm := locationPattern.FindSubmatch(dict); sm != nil {
			sig.Location = unescape(sm[1])
		}
		if sm := datePattern.FindSubmatch(dict); sm != nil {
			sig.SigningTime = parseSigningTime(string(sm[1]) + string(sm[2]))
		}

		if sig.ValidRange(int64(len(data))) {
			sig.Contents = contents(data, sig.ByteRange)
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

// enclosingObject returns the indirect object around data[start:end]
func enclosingObject(data []byte, start, end int) []byte {
	from := bytes.LastIndex(data[:start], []byte(" obj"))
	if from < 0 {
		from = 0
	}
	to := bytes.Index(data[end:], []byte("endobj"))
	if to < 0 {
		return data[from:]
	}
	return data[from : end+to]
}

// ValidRange reports whether the byte range starts the file, leaves a hole
// for /Contents and stays within size bytes
func (s SignatureDict) ValidRange(size int64) bool {
	br := s.ByteRange
	if br[0] != 0 || br[1] <= 0 || br[1] >= size {
		return false
	}
	return br[2] > br[1]+1 && br[2] <= size && br[3] >= 0 && br[3] <= size-br[2]
}

// RevisionEnd is the offset where the signed revision ends
func (s SignatureDict) RevisionEnd() int64 {
	return s.ByteRange[2] + s.ByteRange[3]
}

// SignedBytes concatenates the two byte ranges of data
func (s SignatureDict) SignedBytes(data []byte) []byte {
	br := s.ByteRange
	out := make([]byte, 0, br[1]+br[3])
	out = append(out, data[br[0]:br[0]+br[1]]...)
	return append(out, data[br[2]:br[2]+br[3]]...)
}

// contents decodes the hex string between the byte ranges and trims the
// zero padding after the DER value
func contents(data []byte, br [4]int64) []byte {
	hole := bytes.TrimSpace(data[br[1]:br[2]])
	if len(hole) < 2 || hole[0] != '<' || hole[len(hole)-1] != '>' {
		return nil
	}
	raw := bytes.Map(func(r rune) rune {
		if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
			return -1
		}
		return r
	}, hole[1:len(hole)-1])
	if len(raw)%2 == 1 {
		raw = append(raw, '0')
	}
	der := make([]byte, hex.DecodedLen(len(raw)))
	if _, err := hex.Decode(der, raw); err != nil {
		return nil
	}
	var v asn1.RawValue
	if _, err := asn1.Unmarshal(der, &v); err != nil {
		// BER indefinite lengths are left to the CMS parser
		return bytes.TrimRight(der, "\x00")
	}
	return v.FullBytes
}

func unescape(b []byte) string {
	r := strings.NewReplacer(`\(`, "(", `\)`, ")", `\\`, `\`, `\n`, "\n", `\r`, "\r")
	return r.Replace(string(b))
}

// parseSigningTime reads the date formats found in /M entries
func parseSigningTime(s string) *time.Time {
	s = strings.TrimSpace(strings.ReplaceAll(s, "'", ""))

	formats := []string{
		"20060102150405Z",
		"20060102150405-0700",
		"20060102150405",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			t = t.UTC()
			return &t
		}
	}

	return nil
}

// pdfDate formats t for a /M entry
func pdfDate(t time.Time) string {
	return "D:" + t.UTC().Format("20060102150405") + "Z"
}

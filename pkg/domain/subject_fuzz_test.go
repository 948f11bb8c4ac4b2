//go:build go1.18

package domain

import "testing"

// FuzzParseSubjectID checks that parsing never panics on arbitrary input and
// that accepted values round-trip.
func FuzzParseSubjectID(f *testing.F) {
	f.Add("")
	f.Add("80351110224678912")
	f.Add("system:rewards")
	f.Add("'; DROP TABLE ledger_records;--")
	f.Add(string([]byte{0x00, 0x01, 0x02}))

	f.Fuzz(func(t *testing.T, input string) {
		id, err := ParseSubjectID(input)
		if err != nil {
			return
		}
		roundTrip, err := ParseSubjectID(id.String())
		if err != nil {
			t.Errorf("valid id failed round-trip: %v", err)
		}
		if roundTrip != id {
			t.Error("round-trip changed id value")
		}
		if len(id) > maxSubjectIDLength {
			t.Errorf("accepted id longer than %d bytes", maxSubjectIDLength)
		}
	})
}

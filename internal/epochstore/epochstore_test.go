package epochstore

import "testing"

func TestTailRecordValidate(t *testing.T) {
	var zero TailRecord
	if err := zero.validate(); err != nil {
		t.Fatalf("zero tail record should validate: %v", err)
	}
}

func TestMinDuration(t *testing.T) {
	if got := minDuration(3, 5); got != 3 {
		t.Fatalf("minDuration(3,5) = %d, want 3", got)
	}
	if got := minDuration(5, 3); got != 3 {
		t.Fatalf("minDuration(5,3) = %d, want 3", got)
	}
}

package buildinfo

import "testing"

func TestString(t *testing.T) {
	oldVersion := Version
	oldCommit := Commit
	oldDate := Date
	Version = "1.2.3"
	Commit = "deadbeef"
	Date = "2026-10-16"
	defer func() {
		Version = oldVersion
		Commit = oldCommit
		Date = oldDate
	}()

	if got, want := String(), "version=1.2.3 commit=deadbeef date=2026-10-16"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if got, want := UserAgent(), "dwarf-scheduler/1.2.3"; got != want {
		t.Fatalf("UserAgent() = %q, want %q", got, want)
	}
}

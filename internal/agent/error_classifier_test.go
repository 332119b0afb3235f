package agent

import "testing"

func TestIsErrorObservation_MatchesMarkers(t *testing.T) {
	cases := []string{
		"Error: file not found",
		"Traceback (most recent call last):",
		"ValueError: Exception occurred",
		"command failed with exit code 1",
		"sh: foo: command not found",
		"cat: /etc/shadow: Permission denied",
	}
	for _, c := range cases {
		if !isErrorObservation(c) {
			t.Errorf("expected %q to classify as error", c)
		}
	}
}

func TestIsErrorObservation_CaseInsensitive(t *testing.T) {
	if !isErrorObservation("TRACEBACK and more") {
		t.Error("expected case-insensitive match")
	}
}

func TestIsErrorObservation_NormalOutputIsNotAnError(t *testing.T) {
	if isErrorObservation("fibonacci sequence written to fibonacci.txt") {
		t.Error("expected normal output to not classify as error")
	}
}

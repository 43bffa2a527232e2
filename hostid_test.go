package droidfleet

import "testing"

func TestHostIDProbesEndWithHostname(t *testing.T) {
	for _, goos := range []string{"linux", "darwin", "windows"} {
		probes := hostIDProbes(goos)
		if len(probes) == 0 {
			t.Fatalf("%s: no probes", goos)
		}
	}
	if len(hostIDProbes("windows")) != 1 {
		t.Fatal("unknown platforms should only use the hostname")
	}
	if HostID() == "" {
		t.Skip("no host identifier available in this environment")
	}
}

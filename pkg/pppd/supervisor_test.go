package pppd

import (
	"reflect"
	"testing"
)

func TestBuildArgsMinimal(t *testing.T) {
	cfg := Config{PppdPath: "/usr/sbin/pppd", Username: "alice", Password: "s3cret"}
	got := cfg.buildArgs()
	want := []string{
		"nodetach", "noauth", "noccp", "nobsdcomp", "sync", "refuse-eap",
		"user", "alice", "password", "s3cret",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("buildArgs() = %v, want %v", got, want)
	}
}

func TestBuildArgsWithDomainAndLogFile(t *testing.T) {
	cfg := Config{
		PppdPath: "/usr/sbin/pppd",
		Username: "alice",
		Password: "s3cret",
		Domain:   "CORP",
		LogFile:  "/var/log/pppd.log",
	}
	got := cfg.buildArgs()
	want := []string{
		"nodetach", "noauth", "noccp", "nobsdcomp", "sync", "refuse-eap",
		"user", "alice", "password", "s3cret",
		"domain", "CORP",
		"debug", "logfile", "/var/log/pppd.log",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("buildArgs() = %v, want %v", got, want)
	}
}

package main

import (
	"io"
	"path/filepath"
	"testing"

	"tractor.dev/inodefs/internal/config"
	"tractor.dev/inodefs/internal/logging"
	"tractor.dev/inodefs/session"
	"tractor.dev/inodefs/store"
)

func TestOpenSessionPersists(t *testing.T) {
	cfg := config.Default()
	cfg.Image = filepath.Join(t.TempDir(), "vol.db")
	cfg.Name = "persist"

	backend, err := store.OpenBolt(cfg.Image)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Format(backend, cfg.FormatOptions()); err != nil {
		t.Fatal(err)
	}
	backend.Close()

	sess, closeSession := openSession(cfg, logging.Discard())
	if sess.URI() != "inodefs://persist" {
		t.Errorf("URI = %q", sess.URI())
	}
	if err := sess.CreateDirectories("/a/b"); err != nil {
		t.Fatal(err)
	}
	acc, err := sess.Accessor(1, "/a/b/f", session.OpenWrite|session.OpenCreate)
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(acc, "kept across mounts")
	acc.Close()
	closeSession()

	sess, closeSession = openSession(cfg, logging.Discard())
	defer closeSession()
	acc, err = sess.Accessor(1, "/a/b/f", session.OpenRead)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer acc.Close()
	data, err := io.ReadAll(acc)
	if err != nil || string(data) != "kept across mounts" {
		t.Errorf("after remount: %q, %v", data, err)
	}
	if st := sess.Stats(); st.MountCount != 2 || st.VolumeName != "persist" {
		t.Errorf("stats = %+v", st)
	}
}

func TestUnixTime(t *testing.T) {
	if got := unixTime(0); got != "never" {
		t.Errorf("unixTime(0) = %q", got)
	}
	if got := unixTime(86400); got == "never" || got == "" {
		t.Errorf("unixTime(86400) = %q", got)
	}
}

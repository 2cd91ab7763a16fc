package main

import (
	"path/filepath"
	"testing"
)

func TestLedgerPath(t *testing.T) {
	if got := ledgerPath("/srv/dex", ""); got != filepath.Join("/srv/dex", "ledger.sqlite") {
		t.Fatalf("default path = %s", got)
	}
	if got := ledgerPath("/srv/dex", " /tmp/x.sqlite "); got != "/tmp/x.sqlite" {
		t.Fatalf("explicit path = %s", got)
	}
}

func TestAdminURL(t *testing.T) {
	if got := adminURL(" http://127.0.0.1:8080/ ", "coins"); got != "http://127.0.0.1:8080/admin/v1/coins" {
		t.Fatalf("url = %s", got)
	}
}

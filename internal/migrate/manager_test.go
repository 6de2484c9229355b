package migrate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	script := `
create table t (id text primary key);
insert into t values ('a;b');
insert into t values ('c')`

	stmts := splitStatements(script)
	if len(stmts) != 3 {
		t.Fatalf("expected 3 statements, got %d: %q", len(stmts), stmts)
	}
	if want := "insert into t values ('a;b');"; !strings.Contains(stmts[1], want) {
		t.Fatalf("semicolon inside string split: %q", stmts[1])
	}
}

func TestCollectSQLOrdersLexically(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_b.up.sql", "0001_a.up.sql", "ignore.txt", "0001_a.down.sql"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("select 1;"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	files, err := collectSQL(dir, ".up.sql")
	if err != nil {
		t.Fatalf("collectSQL: %v", err)
	}
	if len(files) != 2 || files[0].base != "0001_a.up.sql" || files[1].base != "0002_b.up.sql" {
		t.Fatalf("unexpected files: %+v", files)
	}

	if _, err := collectSQL(filepath.Join(dir, "missing"), ".sql"); err != nil {
		t.Fatalf("missing dir should be empty, not error: %v", err)
	}
}

package entity

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/taxpull/dbopen"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return &Store{DB: dbopen.OpenMemory(t, dbopen.WithSchema(Schema))}
}

func TestCredential_Missing(t *testing.T) {
	cases := []struct {
		c    Credential
		want int
	}{
		{Credential{Login: "a", Secret: "b"}, 0},
		{Credential{Login: "a"}, 1},
		{Credential{Secret: " "}, 2},
	}
	for _, c := range cases {
		if got := len(c.c.Missing()); got != c.want {
			t.Errorf("Missing(%+v): got %d, want %d", c.c, got, c.want)
		}
	}
	if m := (Credential{Login: "a"}).Missing(); m[0] != "secret" {
		t.Fatalf("Missing: got %v, want [secret]", m)
	}
}

func TestList_IncludesMissingCredentials(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Upsert(ctx, &Entity{ID: "B", DisplayName: "CompanyB", Credential: Credential{Login: "b"}, Active: true})
	s.Upsert(ctx, &Entity{ID: "A", DisplayName: "CompanyA", Credential: Credential{Login: "a", Secret: "s"}, Params: map[string]string{"year": "2025"}, Active: true})
	s.Upsert(ctx, &Entity{ID: "C", DisplayName: "CompanyC", Active: false})

	all, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "A" || all[1].ID != "B" {
		t.Fatalf("list: got %d entities", len(all))
	}
	if all[0].Params["year"] != "2025" {
		t.Fatalf("params: got %v", all[0].Params)
	}
	if all[0].Credential.Secret != "s" {
		t.Fatalf("secret: got %q", all[0].Credential.Secret)
	}

	active, _ := s.List(ctx, Filter{ActiveOnly: true})
	if len(active) != 2 {
		t.Fatalf("active: got %d, want 2", len(active))
	}
}

func TestList_IDsKeepOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for _, id := range []string{"A", "B", "C"} {
		s.Upsert(ctx, &Entity{ID: id, Active: true})
	}

	got, err := s.List(ctx, Filter{IDs: []string{"C", "A", "missing", "C"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "C" || got[1].ID != "A" {
		t.Fatalf("ids: got %d entities", len(got))
	}

	e, err := s.Get(ctx, "missing")
	if err != nil || e != nil {
		t.Fatalf("get missing: got %v, %v", e, err)
	}
}

func TestImport(t *testing.T) {
	t.Setenv("ACME_SECRET", "hunter2")
	path := filepath.Join(t.TempDir(), "entities.yaml")
	data := `entities:
  - id: acme
    display_name: ACME Ltd
    credential:
      login: "012345678"
      secret: ${ACME_SECRET}
    params:
      year: "2025"
  - id: beta
    display_name: Beta
    credential:
      login: "99"
    active: false
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	s := testStore(t)
	ctx := context.Background()
	n, err := s.Import(ctx, path)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 2 {
		t.Fatalf("imported: got %d, want 2", n)
	}

	acme, _ := s.Get(ctx, "acme")
	if acme.Credential.Secret != "hunter2" {
		t.Fatalf("secret: got %q, want expanded env", acme.Credential.Secret)
	}
	if !acme.Active {
		t.Fatal("acme: want active by default")
	}
	beta, _ := s.Get(ctx, "beta")
	if beta.Active {
		t.Fatal("beta: want inactive")
	}
	if len(beta.Credential.Missing()) != 1 {
		t.Fatalf("beta missing: got %v", beta.Credential.Missing())
	}
}

func TestLoadFile_DuplicateID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "e.yaml")
	os.WriteFile(path, []byte("entities:\n  - id: a\n  - id: a\n"), 0o644)
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"
)

func openDocDB(fs *flag.FlagSet) *sql.DB {
	dataDir := fs.Lookup("data").Value.String()
	path := strings.TrimSpace(fs.Lookup("db").Value.String())
	if path == "" {
		path = filepath.Join(dataDir, "documents.db")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	return db
}

func dbFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.String("data", "./data", "runtime data directory")
	fs.String("db", "", "sqlite db path (overrides -data)")
	return fs
}

func lsCmd(args []string) {
	fs := dbFlags("ls")
	_ = fs.Parse(args)
	db := openDocDB(fs)
	defer db.Close()

	rows, err := db.Query(`SELECT experience_id,kind,owner,version,length(body),updated_at
		FROM documents ORDER BY experience_id,kind,owner`)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	defer rows.Close()
	for rows.Next() {
		var r struct {
			ExperienceID string `json:"experience_id"`
			Kind         string `json:"kind"`
			Owner        string `json:"owner"`
			Version      int64  `json:"version"`
			BodyBytes    int64  `json:"body_bytes"`
			UpdatedAt    string `json:"updated_at"`
		}
		if err := rows.Scan(&r.ExperienceID, &r.Kind, &r.Owner, &r.Version, &r.BodyBytes, &r.UpdatedAt); err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			os.Exit(1)
		}
		printJSON(r)
	}
	if err := rows.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "rows:", err)
		os.Exit(1)
	}
}

func dumpCmd(args []string) {
	fs := dbFlags("dump")
	experience := fs.String("experience", "", "experience id (required)")
	kind := fs.String("kind", "world", "document kind: world|player")
	owner := fs.String("owner", "shared", "document owner (user id, or \"shared\")")
	_ = fs.Parse(args)
	if strings.TrimSpace(*experience) == "" {
		fmt.Fprintln(os.Stderr, "missing -experience")
		os.Exit(2)
	}
	if *kind != "world" && *kind != "player" {
		fmt.Fprintln(os.Stderr, "bad -kind:", *kind)
		os.Exit(2)
	}

	db := openDocDB(fs)
	defer db.Close()

	var version int64
	var body []byte
	row := db.QueryRow(`SELECT version, body FROM documents WHERE experience_id=? AND kind=? AND owner=?`,
		*experience, *kind, *owner)
	if err := row.Scan(&version, &body); err != nil {
		if err == sql.ErrNoRows {
			fmt.Fprintln(os.Stderr, "no such document")
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "scan:", err)
		os.Exit(1)
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		fmt.Fprintln(os.Stderr, "corrupt body:", err)
		os.Exit(1)
	}
	printJSON(map[string]any{
		"experience_id": *experience,
		"kind":          *kind,
		"owner":         *owner,
		"version":       version,
		"document":      doc,
	})
}

package store

import (
	"regexp"
	"strings"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, direction := range []string{"up", "down"} {
		names, err := migrationNames(direction)
		if err != nil {
			t.Fatalf("list %s migrations: %v", direction, err)
		}
		for _, name := range names {
			match := pattern.FindStringSubmatch(name)
			if match == nil {
				t.Fatalf("migration %s does not follow NNNN_name.direction.sql", name)
			}
			if byVersion[match[1]] == nil {
				byVersion[match[1]] = map[string]bool{}
			}
			byVersion[match[1]][match[2]] = true
		}
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}
	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestWorkflowGuardMigrationBlocksRegression(t *testing.T) {
	contents, err := migrationFiles.ReadFile("migrations/0002_workflow_guard.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(contents)
	for _, snippet := range []string{
		"NEW.current_step < OLD.current_step",
		"RAISE EXCEPTION",
		"CREATE TRIGGER trg_workflows_monotonic",
	} {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
}

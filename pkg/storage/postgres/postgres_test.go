package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rhuss/schaubild/pkg/api"
	"github.com/rhuss/schaubild/pkg/storage"
	"github.com/rhuss/schaubild/pkg/transport"
)

func init() {
	// Prefer a running podman machine when DOCKER_HOST is unset.
	if os.Getenv("DOCKER_HOST") == "" {
		out, err := exec.Command("podman", "machine", "inspect", "--format", "{{.ConnectionInfo.PodmanSocket.Path}}").Output()
		if err == nil {
			if sock := strings.TrimSpace(string(out)); sock != "" {
				os.Setenv("DOCKER_HOST", "unix://"+sock)
				if os.Getenv("TESTCONTAINERS_RYUK_CONTAINER_PRIVILEGED") == "" {
					os.Setenv("TESTCONTAINERS_RYUK_CONTAINER_PRIVILEGED", "true")
				}
			}
		}
	}
}

// setupTestDB starts a PostgreSQL container and returns a connected Store.
// Tests are skipped if no container runtime is available.
func setupTestDB(t *testing.T) *Store {
	t.Helper()

	if os.Getenv("SKIP_INTEGRATION") == "true" {
		t.Skip("SKIP_INTEGRATION=true, skipping PostgreSQL integration tests")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("schaubild_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Skipf("skipping: could not start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		container.Terminate(context.Background())
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("getting connection string: %v", err)
	}

	store, err := New(ctx, Config{
		DSN:            connStr,
		MaxConns:       5,
		MinConns:       1,
		MigrateOnStart: true,
	})
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func makeTestRun(id string, created time.Time) *api.Run {
	return &api.Run{
		ID:          id,
		Topic:       "oauth2 authorization code flow",
		Renderer:    api.RendererPython,
		Description: "A sequence of redirects between client, browser and server.",
		Status:      api.RunStatusExhausted,
		MaxRepairs:  2,
		Attempts: []api.Attempt{
			{
				Candidate: api.Candidate{Seq: 0, Source: "import graphviz", Provenance: api.ProvenanceGenerator},
				Result:    api.Failed(api.FailureExit, "NameError: name 'g' is not defined", "Traceback ..."),
				StartedAt: created,
				Duration:  150 * time.Millisecond,
			},
		},
		ArtifactName: "diagram_oauth2",
		Error: &api.RunError{
			Kind:        api.RunErrorExhausted,
			Message:     "all 1 executions failed",
			LastFailure: &api.Failure{Kind: api.FailureExit, Message: "NameError: name 'g' is not defined"},
		},
		CreatedAt:   created,
		CompletedAt: created.Add(2 * time.Second),
	}
}

func uniqueID(prefix string) string {
	return fmt.Sprintf("run_%s_%d", prefix, time.Now().UnixNano())
}

func TestPostgres_SaveAndGet(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	run := makeTestRun(uniqueID("get"), time.Now().UTC().Truncate(time.Microsecond))
	if err := store.Save(ctx, run); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Topic != run.Topic || got.Renderer != run.Renderer || got.Status != run.Status {
		t.Errorf("got %+v, want %+v", got, run)
	}
	if len(got.Attempts) != 1 || got.Attempts[0].Result.Failure == nil {
		t.Fatalf("attempts = %+v, want one failed attempt", got.Attempts)
	}
	if got.Attempts[0].Duration != 150*time.Millisecond {
		t.Errorf("attempt duration = %v, want 150ms", got.Attempts[0].Duration)
	}
	if got.Error == nil || got.Error.LastFailure == nil || got.Error.Kind != api.RunErrorExhausted {
		t.Errorf("Error = %+v, want exhausted with last failure", got.Error)
	}
	if !got.CreatedAt.Equal(run.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, run.CreatedAt)
	}
	if got.CompletedAt.IsZero() {
		t.Error("CompletedAt should be set")
	}
}

func TestPostgres_GetNotFound(t *testing.T) {
	store := setupTestDB(t)
	if _, err := store.Get(context.Background(), "run_nonexistent"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgres_Delete(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	run := makeTestRun(uniqueID("del"), time.Now())
	store.Save(ctx, run)

	if err := store.Delete(ctx, run.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, run.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, run.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestPostgres_DuplicateSave(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	run := makeTestRun(uniqueID("dup"), time.Now())
	store.Save(ctx, run)

	if err := store.Save(ctx, run); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestPostgres_HealthCheck(t *testing.T) {
	store := setupTestDB(t)
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func TestPostgres_MigrateIsIdempotent(t *testing.T) {
	store := setupTestDB(t)
	if err := store.migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestPostgres_TenantIsolation(t *testing.T) {
	store := setupTestDB(t)

	ctxA := storage.WithTenant(context.Background(), "tenant-a")
	ctxB := storage.WithTenant(context.Background(), "tenant-b")

	run := makeTestRun(uniqueID("tenant"), time.Now())
	store.Save(ctxA, run)

	if _, err := store.Get(ctxA, run.ID); err != nil {
		t.Fatalf("tenant A should see own run: %v", err)
	}
	if _, err := store.Get(ctxB, run.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Error("tenant B should not see tenant A's run")
	}
	if err := store.Delete(ctxB, run.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Error("tenant B should not delete tenant A's run")
	}
	if _, err := store.Get(context.Background(), run.ID); err != nil {
		t.Fatalf("no-tenant should see all: %v", err)
	}
}

func TestPostgres_List(t *testing.T) {
	store := setupTestDB(t)
	ctx := storage.WithTenant(context.Background(), uniqueID("list"))

	start := time.Now().UTC().Truncate(time.Second)
	ids := make([]string, 5)
	for i := range ids {
		ids[i] = fmt.Sprintf("run_list_%d_%d", i, start.UnixNano())
		run := makeTestRun(ids[i], start.Add(time.Duration(i)*time.Second))
		if i%2 == 1 {
			run.Renderer = api.RendererDOT
		}
		if err := store.Save(ctx, run); err != nil {
			t.Fatalf("Save(%s): %v", ids[i], err)
		}
	}

	tests := []struct {
		name    string
		opts    transport.ListOptions
		want    []string
		hasMore bool
	}{
		{"desc", transport.ListOptions{}, []string{ids[4], ids[3], ids[2], ids[1], ids[0]}, false},
		{"asc limit", transport.ListOptions{Order: "asc", Limit: 2}, []string{ids[0], ids[1]}, true},
		{"after", transport.ListOptions{After: ids[3], Limit: 2}, []string{ids[2], ids[1]}, true},
		{"after asc", transport.ListOptions{After: ids[3], Order: "asc"}, []string{ids[4]}, false},
		{"before", transport.ListOptions{Before: ids[2]}, []string{ids[4], ids[3]}, false},
		{"renderer", transport.ListOptions{Renderer: api.RendererDOT}, []string{ids[3], ids[1]}, false},
		{"unknown cursor", transport.ListOptions{After: "run_missing"}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := store.List(ctx, tt.opts)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			var got []string
			for _, r := range list.Data {
				got = append(got, r.ID)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("ids = %v, want %v", got, tt.want)
			}
			if list.HasMore != tt.hasMore {
				t.Errorf("HasMore = %v, want %v", list.HasMore, tt.hasMore)
			}
		})
	}
}

package markerstore

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/mhemberg/tabula-atlas/internal/service"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	s, err := NewStore(filepath.Join(t.TempDir(), "runs", "runs.db"))
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRun(id string) *Run {
	return &Run{
		ID:     id,
		Status: RunStatusQueued,
		Params: RunParams{
			GroupBy:       "tissue",
			OntologyTerm:  "CL:0000236",
			MarkerGenes:   []string{"Cd19", "Cd79a"},
			MinGroupSize:  30,
			FDRCutoff:     1.0,
			MarkerMinExpr: 0,
			Seed:          42,
		},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestRunLifecycle(t *testing.T) {
	s := testStore(t)

	run := testRun("run-1")
	if err := s.CreateRun(run); err != nil {
		t.Fatalf("CreateRun error: %v", err)
	}

	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun error: %v", err)
	}
	if got == nil || got.Status != RunStatusQueued {
		t.Fatalf("unexpected run: %+v", got)
	}
	if !reflect.DeepEqual(got.Params, run.Params) {
		t.Fatalf("params did not round-trip: %+v vs %+v", got.Params, run.Params)
	}

	started, err := s.UpdateRunStarted("run-1")
	if err != nil {
		t.Fatalf("UpdateRunStarted error: %v", err)
	}
	if !started {
		t.Fatal("expected queued run to start")
	}
	if err := s.UpdateRunPhase("run-1", "computing_markers"); err != nil {
		t.Fatalf("UpdateRunPhase error: %v", err)
	}
	if err := s.UpdateRunCounts("run-1", 977, 9); err != nil {
		t.Fatalf("UpdateRunCounts error: %v", err)
	}
	if err := s.UpdateRunStatus("run-1", RunStatusCompleted, ""); err != nil {
		t.Fatalf("UpdateRunStatus error: %v", err)
	}

	got, err = s.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun error: %v", err)
	}
	if got.Status != RunStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Fatalf("expected timestamps to be set: %+v", got)
	}
	if got.NCells != 977 || got.NGroups != 9 {
		t.Fatalf("unexpected counts: %+v", got)
	}
	if got.Phase != "computing_markers" {
		t.Fatalf("unexpected phase: %s", got.Phase)
	}
}

func TestGetRun_Missing(t *testing.T) {
	s := testStore(t)

	got, err := s.GetRun("nope")
	if err != nil {
		t.Fatalf("GetRun error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing run, got %+v", got)
	}
}

func TestResults(t *testing.T) {
	s := testStore(t)

	if err := s.CreateRun(testRun("run-1")); err != nil {
		t.Fatalf("CreateRun error: %v", err)
	}

	rows := []*service.MarkerResult{
		{Gene: "Cd19", Group: "Spleen", Log2FC: 2.0, FDRRanksum: 0.01, FDRTtest: 0.02, PRanksum: 0.001, PTtest: 0.002},
		{Gene: "Cd74", Group: "Spleen", Log2FC: -1.0, FDRRanksum: 0.5, FDRTtest: 0.6, PRanksum: 0.2, PTtest: 0.3},
		{Gene: "Cd19", Group: "Fat", Log2FC: 1.5, FDRRanksum: 0.05, FDRTtest: 0.04, PRanksum: 0.01, PTtest: 0.01},
	}
	if err := s.InsertResults("run-1", rows); err != nil {
		t.Fatalf("InsertResults error: %v", err)
	}

	got, total, err := s.QueryResults("run-1", "", "", 0, 10)
	if err != nil {
		t.Fatalf("QueryResults error: %v", err)
	}
	if total != 3 || len(got) != 3 {
		t.Fatalf("expected 3 rows, got %d (total %d)", len(got), total)
	}
	// Grouped alphabetically, then ascending FDR.
	if got[0].Group != "Fat" || got[1].Gene != "Cd19" || got[1].Group != "Spleen" {
		t.Fatalf("unexpected ordering: %+v", got)
	}

	got, total, err = s.QueryResults("run-1", "Spleen", "", 0, 10)
	if err != nil {
		t.Fatalf("QueryResults error: %v", err)
	}
	if total != 2 || got[0].Gene != "Cd19" {
		t.Fatalf("unexpected group filter result: total=%d rows=%+v", total, got)
	}

	groups, err := s.ResultGroups("run-1")
	if err != nil {
		t.Fatalf("ResultGroups error: %v", err)
	}
	if !reflect.DeepEqual(groups, []string{"Fat", "Spleen"}) {
		t.Fatalf("unexpected groups: %v", groups)
	}
}

func TestUpdateRunStarted_OnlyQueued(t *testing.T) {
	s := testStore(t)

	if err := s.CreateRun(testRun("run-1")); err != nil {
		t.Fatalf("CreateRun error: %v", err)
	}
	if err := s.UpdateRunStatus("run-1", RunStatusCancelled, "cancelled before start"); err != nil {
		t.Fatalf("UpdateRunStatus error: %v", err)
	}

	started, err := s.UpdateRunStarted("run-1")
	if err != nil {
		t.Fatalf("UpdateRunStarted error: %v", err)
	}
	if started {
		t.Fatal("cancelled run must not transition back to running")
	}
	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun error: %v", err)
	}
	if got.Status != RunStatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	if started, _ := s.UpdateRunStarted("no-such-run"); started {
		t.Fatal("missing run must not report started")
	}
}

func TestRestartRecovery(t *testing.T) {
	s := testStore(t)

	queued := testRun("run-q")
	if err := s.CreateRun(queued); err != nil {
		t.Fatalf("CreateRun error: %v", err)
	}
	running := testRun("run-r")
	if err := s.CreateRun(running); err != nil {
		t.Fatalf("CreateRun error: %v", err)
	}
	if _, err := s.UpdateRunStarted("run-r"); err != nil {
		t.Fatalf("UpdateRunStarted error: %v", err)
	}

	if err := s.MarkRunningAsFailed("server restarted"); err != nil {
		t.Fatalf("MarkRunningAsFailed error: %v", err)
	}
	got, err := s.GetRun("run-r")
	if err != nil {
		t.Fatalf("GetRun error: %v", err)
	}
	if got.Status != RunStatusFailed || got.Error != "server restarted" {
		t.Fatalf("expected failed run, got %+v", got)
	}

	queuedRuns, err := s.ListQueuedRuns()
	if err != nil {
		t.Fatalf("ListQueuedRuns error: %v", err)
	}
	if len(queuedRuns) != 1 || queuedRuns[0].ID != "run-q" {
		t.Fatalf("unexpected queued runs: %+v", queuedRuns)
	}
}

func TestDeleteRun(t *testing.T) {
	s := testStore(t)

	if err := s.CreateRun(testRun("run-1")); err != nil {
		t.Fatalf("CreateRun error: %v", err)
	}
	if err := s.InsertResults("run-1", []*service.MarkerResult{{Gene: "Cd19", Group: "Spleen"}}); err != nil {
		t.Fatalf("InsertResults error: %v", err)
	}

	if err := s.DeleteRun("run-1"); err != nil {
		t.Fatalf("DeleteRun error: %v", err)
	}
	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun error: %v", err)
	}
	if got != nil {
		t.Fatal("expected run to be gone")
	}
	_, total, err := s.QueryResults("run-1", "", "", 0, 10)
	if err != nil {
		t.Fatalf("QueryResults error: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected results to be gone, total=%d", total)
	}
}

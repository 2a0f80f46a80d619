package persistence

import (
	"context"
	"errors"
	"testing"

	"github.com/judgebridge/judgebridge/internal/auth"
	"github.com/judgebridge/judgebridge/internal/bridge"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Options{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSubmissionRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	row := SubmissionRow{
		SubmissionID: "42",
		ProblemID:    "aplusb",
		Language:     "PY3",
		TimeLimit:    2.5,
		MemoryLimit:  262144,
		ShortCircuit: true,
		PretestsOnly: true,
		ContestNo:    7,
		AttemptNo:    3,
		UserID:       99,
	}
	if err := db.UpsertSubmission(ctx, row); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, err := db.SubmissionData(ctx, "42")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	want := bridge.DispatchRequest{
		TimeLimit: 2.5, MemoryLimit: 262144, ShortCircuit: true,
		PretestsOnly: true, ContestNo: 7, AttemptNo: 3, UserID: 99,
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestSubmissionDataNotFound(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.SubmissionData(ctx, "no-such"); !errors.Is(err, bridge.ErrSubmissionNotFound) {
		t.Fatalf("expected ErrSubmissionNotFound, got %v", err)
	}
	if _, err := db.SubmissionData(ctx, "  "); !errors.Is(err, bridge.ErrSubmissionNotFound) {
		t.Fatalf("blank id must resolve as missing, got %v", err)
	}
}

func TestUpsertSubmissionOverwrites(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.UpsertSubmission(ctx, SubmissionRow{SubmissionID: "42", TimeLimit: 1}); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if err := db.UpsertSubmission(ctx, SubmissionRow{SubmissionID: "42", TimeLimit: 3}); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	got, err := db.SubmissionData(ctx, "42")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got.TimeLimit != 3 {
		t.Fatalf("upsert must overwrite, got time limit %v", got.TimeLimit)
	}
}

func TestSetSubmissionStatus(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.SetSubmissionStatus(ctx, "no-such", SubmissionRequeued); !errors.Is(err, bridge.ErrSubmissionNotFound) {
		t.Fatalf("expected ErrSubmissionNotFound, got %v", err)
	}

	if err := db.UpsertSubmission(ctx, SubmissionRow{SubmissionID: "42"}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := db.SetSubmissionStatus(ctx, "42", SubmissionRequeued); err != nil {
		t.Fatalf("status update failed: %v", err)
	}
}

func TestJudgeCredentialFlow(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	hasher, err := auth.NewHasher("server-secret")
	if err != nil {
		t.Fatalf("hasher failed: %v", err)
	}
	if err := db.UpsertJudgeCredential(ctx, "judge-1", hasher.Hash("judge-key"), auth.HashAlgorithmHMACSHA256); err != nil {
		t.Fatalf("credential upsert failed: %v", err)
	}

	verifier := auth.NewVerifier(db, hasher)
	if !verifier.Authenticate(ctx, "judge-1", "judge-key") {
		t.Fatalf("stored credential must authenticate")
	}
	if verifier.Authenticate(ctx, "judge-1", "wrong-key") {
		t.Fatalf("wrong key must fail")
	}
	if verifier.Authenticate(ctx, "judge-2", "judge-key") {
		t.Fatalf("unknown judge must fail")
	}
}

func TestDisabledJudgeCannotAuthenticate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	hasher, _ := auth.NewHasher("server-secret")
	if err := db.UpsertJudgeCredential(ctx, "judge-1", hasher.Hash("judge-key"), auth.HashAlgorithmHMACSHA256); err != nil {
		t.Fatalf("credential upsert failed: %v", err)
	}
	if err := db.SetJudgeEnabled(ctx, "judge-1", false); err != nil {
		t.Fatalf("disable failed: %v", err)
	}

	if _, err := db.JudgeKeyHash(ctx, "judge-1"); !errors.Is(err, ErrJudgeNotFound) {
		t.Fatalf("disabled judge must resolve as missing, got %v", err)
	}

	if err := db.SetJudgeEnabled(ctx, "judge-1", true); err != nil {
		t.Fatalf("re-enable failed: %v", err)
	}
	if _, err := db.JudgeKeyHash(ctx, "judge-1"); err != nil {
		t.Fatalf("re-enabled judge must resolve, got %v", err)
	}
}

func TestUpsertJudgeCredentialValidation(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.UpsertJudgeCredential(ctx, "", "hash", auth.HashAlgorithmHMACSHA256); err == nil {
		t.Fatalf("empty judge id must be rejected")
	}
	if err := db.UpsertJudgeCredential(ctx, "judge-1", "  ", auth.HashAlgorithmHMACSHA256); err == nil {
		t.Fatalf("blank hash must be rejected")
	}
	if err := db.SetJudgeEnabled(ctx, "no-such", false); !errors.Is(err, ErrJudgeNotFound) {
		t.Fatalf("expected ErrJudgeNotFound, got %v", err)
	}
}

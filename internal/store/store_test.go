package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// gateways returns the in-memory gateway plus a PostgreSQL gateway when
// DATABASE_URL points at a reachable database.
func gateways(t *testing.T) map[string]Gateway {
	t.Helper()
	out := map[string]Gateway{"memory": NewMemory()}

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		return out
	}
	config := DefaultPostgresConfig()
	config.URL = url
	config.ConnectAttempts = 1
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pg, err := OpenPostgres(ctx, config)
	if err != nil {
		t.Logf("postgres not available: %v", err)
		return out
	}
	if err := pg.Migrate(); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	if _, err := pg.DB().Exec(`TRUNCATE messages, identities`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { pg.Close() })
	out["postgres"] = pg
	return out
}

func TestCreateIdentityConflict(t *testing.T) {
	for name, gw := range gateways(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, err := gw.CreateIdentity(ctx, "alice")
			if err != nil {
				t.Fatalf("CreateIdentity() error: %v", err)
			}
			if _, err := uuid.Parse(first.ID); err != nil {
				t.Errorf("expected UUID id, got %q", first.ID)
			}

			_, err = gw.CreateIdentity(ctx, "alice")
			if !errors.Is(err, ErrConflict) {
				t.Fatalf("expected ErrConflict, got %v", err)
			}

			found, err := gw.FindIdentityByName(ctx, "alice")
			if err != nil || found == nil {
				t.Fatalf("FindIdentityByName() = %v, %v", found, err)
			}
			if found.ID != first.ID {
				t.Errorf("expected id %s, got %s", first.ID, found.ID)
			}

			byID, err := gw.FindIdentityByID(ctx, first.ID)
			if err != nil || byID == nil || byID.DisplayName != "alice" {
				t.Fatalf("FindIdentityByID() = %v, %v", byID, err)
			}
		})
	}
}

func TestFindMissing(t *testing.T) {
	for name, gw := range gateways(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if ident, err := gw.FindIdentityByName(ctx, "nobody"); err != nil || ident != nil {
				t.Errorf("FindIdentityByName(nobody) = %v, %v", ident, err)
			}
			if ident, err := gw.FindIdentityByID(ctx, "not-a-uuid"); err != nil || ident != nil {
				t.Errorf("FindIdentityByID(not-a-uuid) = %v, %v", ident, err)
			}
			if msg, err := gw.FindMessageByID(ctx, uuid.New().String()); err != nil || msg != nil {
				t.Errorf("FindMessageByID(random) = %v, %v", msg, err)
			}
		})
	}
}

func TestQueryMessagesOrderAndBounds(t *testing.T) {
	for name, gw := range gateways(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			author, err := gw.CreateIdentity(ctx, "writer")
			if err != nil {
				t.Fatalf("CreateIdentity() error: %v", err)
			}
			var inserted []Message
			for i := 1; i <= 6; i++ {
				msg, err := gw.InsertMessage(ctx, author.ID, fmt.Sprintf("msg-%d", i))
				if err != nil {
					t.Fatalf("InsertMessage() error: %v", err)
				}
				if len(inserted) > 0 && msg.Seq <= inserted[len(inserted)-1].Seq {
					t.Fatalf("seq not increasing: %d after %d", msg.Seq, inserted[len(inserted)-1].Seq)
				}
				inserted = append(inserted, msg)
			}

			desc, err := gw.QueryMessages(ctx, MessageQuery{Order: Desc, Limit: 2})
			if err != nil {
				t.Fatalf("QueryMessages(desc) error: %v", err)
			}
			if len(desc) != 2 || desc[0].Body != "msg-6" || desc[1].Body != "msg-5" {
				t.Errorf("unexpected desc page: %+v", desc)
			}

			between, err := gw.QueryMessages(ctx, MessageQuery{
				Order:     Asc,
				AfterSeq:  inserted[1].Seq,
				BeforeSeq: inserted[4].Seq,
			})
			if err != nil {
				t.Fatalf("QueryMessages(between) error: %v", err)
			}
			if len(between) != 2 || between[0].Body != "msg-3" || between[1].Body != "msg-4" {
				t.Errorf("unexpected bounded page: %+v", between)
			}

			found, err := gw.FindMessageByID(ctx, inserted[2].ID)
			if err != nil || found == nil || found.Seq != inserted[2].Seq {
				t.Errorf("FindMessageByID() = %+v, %v", found, err)
			}
		})
	}
}

func TestMemoryUnavailable(t *testing.T) {
	gw := NewMemory()
	gw.SetUnavailable(true)

	if _, err := gw.CreateIdentity(context.Background(), "alice"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := gw.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from Ping, got %v", err)
	}

	gw.SetUnavailable(false)
	if _, err := gw.CreateIdentity(context.Background(), "alice"); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
}

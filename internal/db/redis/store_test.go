package redis

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/redis/rueidis"
	"github.com/redis/rueidis/mock"
	"go.uber.org/mock/gomock"

	"github.com/kailas-cloud/costkeeper/internal/db"
)

// --- client.go tests ---

func TestPing_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.Match("PING")).
		Return(mock.Result(mock.RedisString("PONG")))

	s := NewStoreForTest(c)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPing_Error(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.Match("PING")).
		Return(mock.ErrorResult(context.DeadlineExceeded))

	s := NewStoreForTest(c)
	err := s.Ping(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !db.IsTransient(err) {
		t.Errorf("ping timeout should be transient, got %v", err)
	}
}

func TestWrap_Classification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"network", errors.New("read tcp: connection reset"), true},
		{"closing client", rueidis.ErrClosing, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := db.IsTransient(wrap(db.OpGet, tc.err)); got != tc.transient {
				t.Errorf("IsTransient(wrap(%v)) = %v, want %v", tc.err, got, tc.transient)
			}
		})
	}
}

func TestWrap_ServerReplies(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	gomock.InOrder(
		c.EXPECT().Do(gomock.Any(), mock.Match("GET", "k")).
			Return(mock.Result(mock.RedisError("LOADING Redis is loading the dataset in memory"))),
		c.EXPECT().Do(gomock.Any(), mock.Match("GET", "k")).
			Return(mock.Result(mock.RedisError("WRONGTYPE Operation against a key holding the wrong kind of value"))),
	)

	s := NewStoreForTest(c)
	_, err := s.Get(context.Background(), "k")
	if !db.IsTransient(err) {
		t.Errorf("LOADING should be retried, got %v", err)
	}
	_, err = s.Get(context.Background(), "k")
	if !errors.Is(err, db.ErrInvalidArgs) || db.IsTransient(err) {
		t.Errorf("WRONGTYPE should be permanent, got %v", err)
	}
}

// --- hash.go tests ---

func TestHGetAll_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.Match("HGETALL", "mykey")).
		Return(mock.Result(mock.RedisMap(map[string]rueidis.RedisMessage{
			"cost":     mock.RedisString("120"),
			"requests": mock.RedisString("3"),
		})))

	s := NewStoreForTest(c)
	m, err := s.HGetAll(context.Background(), "mykey")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m["cost"] != "120" || m["requests"] != "3" {
		t.Errorf("unexpected map: %v", m)
	}
}

func TestHGetAll_Error(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.Match("HGETALL", "mykey")).
		Return(mock.ErrorResult(context.DeadlineExceeded))

	s := NewStoreForTest(c)
	_, err := s.HGetAll(context.Background(), "mykey")
	if err == nil {
		t.Fatal("expected error")
	}
	if !isDBError(err) {
		t.Errorf("expected db.Error, got %T", err)
	}
}

func TestHGetAllMulti_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		DoMulti(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]rueidis.RedisResult{
			mock.Result(mock.RedisMap(map[string]rueidis.RedisMessage{
				"cost": mock.RedisString("10"),
			})),
			mock.Result(mock.RedisMap(map[string]rueidis.RedisMessage{})),
		})

	s := NewStoreForTest(c)
	results, err := s.HGetAllMulti(context.Background(), []string{"k1", "k2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0]["cost"] != "10" || len(results[1]) != 0 {
		t.Errorf("unexpected results: %v", results)
	}
}

func TestHGetAllMulti_PartialError(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		DoMulti(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]rueidis.RedisResult{
			mock.Result(mock.RedisMap(map[string]rueidis.RedisMessage{})),
			mock.ErrorResult(context.DeadlineExceeded),
		})

	s := NewStoreForTest(c)
	if _, err := s.HGetAllMulti(context.Background(), []string{"k1", "k2"}); !isDBError(err) {
		t.Fatalf("expected db.Error, got %v", err)
	}
}

func TestHGetAllMulti_Empty(t *testing.T) {
	s := NewStoreForTest(nil) // client not called
	results, err := s.HGetAllMulti(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results != nil {
		t.Errorf("expected nil, got %v", results)
	}
}

func TestHSetIfGreater_RequiresGuardField(t *testing.T) {
	s := NewStoreForTest(nil)
	_, err := s.HSetIfGreater(context.Background(), &db.GuardedWrite{Key: "k"})
	if !errors.Is(err, db.ErrInvalidArgs) {
		t.Fatalf("expected ErrInvalidArgs, got %v", err)
	}
}

func TestGuardArgs(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	got := guardArgs(&db.GuardedWrite{
		Key:        "sticky",
		GuardField: "index",
		GuardValue: 2,
		Fields:     map[string]string{"label": "economy", "reason": "QUOTA_BREACH"},
		ExpireAt:   at,
	})
	want := []string{"index", "2", "1700000000123", "label", "economy", "reason", "QUOTA_BREACH"}
	if !slices.Equal(got, want) {
		t.Errorf("guardArgs = %v, want %v", got, want)
	}
}

func TestGuardArgs_NoExpiry(t *testing.T) {
	got := guardArgs(&db.GuardedWrite{Key: "k", GuardField: "index", GuardValue: 0})
	if got[2] != "0" {
		t.Errorf("expire arg = %q, want 0", got[2])
	}
}

// --- counter.go tests ---

func TestCounterArgs_SortedAndCounted(t *testing.T) {
	got := counterArgs(&db.CounterAdd{
		Key:         "shard",
		Deltas:      map[string]int64{"requests": 1, "cost": 250, "in": 10},
		Touch:       map[string]string{"updated_at": "1700000000000"},
		TTL:         2 * time.Hour,
		DedupKey:    "dedup",
		DedupMember: "req-1",
		DedupLimit:  100,
	})
	want := []string{
		"7200000", "req-1", "100", "3",
		"cost", "250", "in", "10", "requests", "1",
		"updated_at", "1700000000000",
	}
	if !slices.Equal(got, want) {
		t.Errorf("counterArgs = %v, want %v", got, want)
	}
}

func TestHIncrGuarded_Validation(t *testing.T) {
	s := NewStoreForTest(nil)
	tests := []struct {
		name string
		add  db.CounterAdd
	}{
		{"no key", db.CounterAdd{Deltas: map[string]int64{"cost": 1}}},
		{"no deltas", db.CounterAdd{Key: "k"}},
		{"member without set", db.CounterAdd{Key: "k", Deltas: map[string]int64{"cost": 1}, DedupMember: "m"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.HIncrGuarded(context.Background(), &tc.add); !errors.Is(err, db.ErrInvalidArgs) {
				t.Fatalf("expected ErrInvalidArgs, got %v", err)
			}
		})
	}
}

// --- kv.go tests ---

func TestGet_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.Match("GET", "mykey")).
		Return(mock.Result(mock.RedisBlobString("value")))

	s := NewStoreForTest(c)
	data, err := s.Get(context.Background(), "mykey")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "value" {
		t.Errorf("unexpected data: %s", data)
	}
}

func TestGet_NotFound(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.Match("GET", "mykey")).
		Return(mock.Result(mock.RedisNil()))

	s := NewStoreForTest(c)
	_, err := s.Get(context.Background(), "mykey")
	if !errors.Is(err, db.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
	if db.IsTransient(err) {
		t.Error("not found must not be transient")
	}
}

func TestSetWithTTL_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.MatchFn(func(cmd []string) bool {
			return cmd[0] == "SET" && cmd[1] == "mykey" && cmd[2] == "myvalue" && slices.Contains(cmd, "PX")
		})).
		Return(mock.Result(mock.RedisString("OK")))

	s := NewStoreForTest(c)
	if err := s.SetWithTTL(context.Background(), "mykey", []byte("myvalue"), time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSetWithTTL_NoExpiry(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.Match("SET", "mykey", "myvalue")).
		Return(mock.Result(mock.RedisString("OK")))

	s := NewStoreForTest(c)
	if err := s.SetWithTTL(context.Background(), "mykey", []byte("myvalue"), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// --- set.go tests ---

func TestSAdd_WithTTL(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		DoMulti(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]rueidis.RedisResult{
			mock.Result(mock.RedisInt64(1)),
			mock.Result(mock.RedisInt64(1)),
		})

	s := NewStoreForTest(c)
	if err := s.SAdd(context.Background(), "active", time.Hour, "a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSAdd_ExpireError(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		DoMulti(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]rueidis.RedisResult{
			mock.Result(mock.RedisInt64(1)),
			mock.ErrorResult(context.DeadlineExceeded),
		})

	s := NewStoreForTest(c)
	err := s.SAdd(context.Background(), "active", time.Hour, "a")
	var dbErr *db.Error
	if !errors.As(err, &dbErr) || dbErr.Op != db.OpExpire {
		t.Fatalf("expected EXPIRE db.Error, got %v", err)
	}
}

func TestSAdd_NoMembers(t *testing.T) {
	s := NewStoreForTest(nil)
	if err := s.SAdd(context.Background(), "active", time.Hour); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSMembers_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.Match("SMEMBERS", "active")).
		Return(mock.Result(mock.RedisArray(mock.RedisString("a"), mock.RedisString("b"))))

	s := NewStoreForTest(c)
	members, err := s.SMembers(context.Background(), "active")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	slices.Sort(members)
	if !slices.Equal(members, []string{"a", "b"}) {
		t.Errorf("members = %v", members)
	}
}

// --- helpers ---

// isDBError is a test helper for checking wrapped db.Error.
func isDBError(err error) bool {
	var dbErr *db.Error
	return errors.As(err, &dbErr)
}

package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dmall00/opendarts-autoscore/pkg/types"
)

func TestDoCreatesDefaultState(t *testing.T) {
	s := NewStore(4)
	key := types.SessionKey{PlayerID: "p1", SessionID: "s1"}

	if _, ok := s.Snapshot(key); ok {
		t.Fatalf("snapshot of unknown key should not exist")
	}

	s.Do(key, func(st *State) {
		if !st.Detection.NewTurnAndBoardCleared {
			t.Fatalf("new session must start with the board-cleared gate open")
		}
		if len(st.Detection.ConfirmedDarts) != 0 || len(st.Calibration.Samples) != 0 {
			t.Fatalf("new session must be empty: %+v", st)
		}
		st.Detection.ConfirmedDarts = append(st.Detection.ConfirmedDarts, types.Point{X: 0.1, Y: 0.2})
	})

	snap, ok := s.Snapshot(key)
	if !ok {
		t.Fatalf("snapshot missing after Do")
	}
	if diff := cmp.Diff([]types.Point{{X: 0.1, Y: 0.2}}, snap.ConfirmedDarts); diff != "" {
		t.Fatalf("confirmed darts mismatch (-want +got):\n%s", diff)
	}
	if snap.PlayerID != "p1" || snap.SessionID != "s1" {
		t.Fatalf("snapshot key mismatch: %+v", snap)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := NewStore(1)
	key := types.SessionKey{PlayerID: "p", SessionID: "s"}
	s.Do(key, func(st *State) {
		st.Detection.ConfirmedDarts = []types.Point{{X: 1, Y: 1}}
	})
	snap, _ := s.Snapshot(key)
	snap.ConfirmedDarts[0].X = 42

	s.View(key, func(st *State) {
		if st.Detection.ConfirmedDarts[0].X != 1 {
			t.Fatalf("snapshot aliases live state")
		}
	})
}

func TestSessionsAreIsolated(t *testing.T) {
	s := NewStore(2)
	a := types.SessionKey{PlayerID: "p1", SessionID: "s"}
	b := types.SessionKey{PlayerID: "p2", SessionID: "s"}

	s.Do(a, func(st *State) { st.Detection.YoloErrors = 7 })
	s.Do(b, func(st *State) {
		if st.Detection.YoloErrors != 0 {
			t.Fatalf("state leaked between keys")
		}
	})

	if got := s.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}
	if diff := cmp.Diff([]types.SessionKey{a, b}, s.Keys()); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}
}

func TestDeleteResetsSession(t *testing.T) {
	s := NewStore(0)
	key := types.SessionKey{PlayerID: "p", SessionID: "s"}
	s.Do(key, func(st *State) { st.Detection.NewTurnAndBoardCleared = false })

	if !s.Delete(key) {
		t.Fatalf("Delete returned false for live key")
	}
	if s.Delete(key) {
		t.Fatalf("second Delete should report missing key")
	}
	if s.View(key, func(*State) {}) {
		t.Fatalf("View should not see deleted key")
	}

	s.Do(key, func(st *State) {
		if !st.Detection.NewTurnAndBoardCleared {
			t.Fatalf("recreated session should start from defaults")
		}
	})
}

func TestConcurrentUpdatesSameKey(t *testing.T) {
	s := NewStore(8)
	key := types.SessionKey{PlayerID: "p", SessionID: "s"}

	const workers = 16
	const perWorker = 200
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				s.Do(key, func(st *State) { st.Detection.YoloErrors++ })
			}
		}()
	}
	wg.Wait()

	snap, _ := s.Snapshot(key)
	if snap.YoloErrors != workers*perWorker {
		t.Fatalf("YoloErrors = %d, want %d", snap.YoloErrors, workers*perWorker)
	}
}

func TestConcurrentDistinctKeys(t *testing.T) {
	s := NewStore(4)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := types.SessionKey{PlayerID: fmt.Sprintf("p%d", i), SessionID: "game"}
			s.Do(key, func(st *State) { st.Calibration.Consecutive = i })
			if i%5 == 0 {
				s.Delete(key)
			}
		}(i)
	}
	wg.Wait()

	if got := s.Len(); got != 40 {
		t.Fatalf("Len = %d, want 40", got)
	}
}

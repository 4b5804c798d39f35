package state

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stellarlinkco/chatfight/internal/challenge"
)

func TestStats_RecordResponse(t *testing.T) {
	var s Stats
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	s.RecordResponse(challenge.KindWord, "gato", at)
	s.RecordResponse(challenge.KindArithmetic, "-7", at.Add(time.Minute))

	if s.TotalResponses != 2 || s.WordResponses != 1 || s.ArithmeticResponses != 1 {
		t.Errorf("counters = %+v", s)
	}
	if s.LastResponseAt == nil || !s.LastResponseAt.Equal(at.Add(time.Minute)) {
		t.Errorf("LastResponseAt = %v", s.LastResponseAt)
	}
	if len(s.History) != 2 || s.History[1].Answer != "-7" {
		t.Errorf("history = %+v", s.History)
	}
}

func TestStats_HistorySlidingWindow(t *testing.T) {
	var s Stats
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	const n = MaxHistory + 5

	for i := 0; i < n; i++ {
		s.RecordResponse(challenge.KindWord, fmt.Sprintf("w%d", i), at.Add(time.Duration(i)*time.Second))
	}

	if len(s.History) != MaxHistory {
		t.Fatalf("history len = %d, want %d", len(s.History), MaxHistory)
	}
	if s.History[0].Answer != "w5" {
		t.Errorf("oldest = %q, want w5", s.History[0].Answer)
	}
	if s.History[MaxHistory-1].Answer != fmt.Sprintf("w%d", n-1) {
		t.Errorf("newest = %q", s.History[MaxHistory-1].Answer)
	}
	if s.TotalResponses != n {
		t.Errorf("total = %d, want %d", s.TotalResponses, n)
	}
}

func TestModuleState_CloneIsDeep(t *testing.T) {
	at := time.Now()
	st := Default()
	st.Stats.RecordResponse(challenge.KindWord, "uno", at)

	c := st.Clone()
	c.Stats.History[0].Answer = "changed"
	*c.Stats.LastResponseAt = at.Add(time.Hour)

	if st.Stats.History[0].Answer != "uno" {
		t.Error("clone shares history")
	}
	if !st.Stats.LastResponseAt.Equal(at) {
		t.Error("clone shares LastResponseAt")
	}
}

func TestModuleState_Normalize(t *testing.T) {
	st := ModuleState{}
	st.normalize()
	if st.Stats.History == nil {
		t.Error("nil history should become empty")
	}

	st.Stats.History = make([]HistoryEntry, MaxHistory+10)
	st.Stats.History[10].Answer = "keep"
	st.normalize()
	if len(st.Stats.History) != MaxHistory || st.Stats.History[0].Answer != "keep" {
		t.Errorf("normalize kept %d entries, first %q", len(st.Stats.History), st.Stats.History[0].Answer)
	}
}

func TestFormatStatus(t *testing.T) {
	st := Default()
	out := FormatStatus(st)
	for _, want := range []string{"DESACTIVADO", "❌", "Nunca", "Total de respuestas: 0"} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}

	at := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	st.Enabled = true
	st.Stats.RecordResponse(challenge.KindArithmetic, "12", at)
	st.Stats.Errors = 2
	out = FormatStatus(st)
	for _, want := range []string{"✅ Estado: **ACTIVADO**", "Operaciones calculadas: 1", "Errores: 2", "2025-03-01T09:30:00Z"} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}
}

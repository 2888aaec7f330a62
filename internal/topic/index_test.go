package topic

import (
	"sort"
	"testing"
)

func subSet(t *testing.T, subs []Sub) map[string]uint8 {
	t.Helper()
	m := make(map[string]uint8, len(subs))
	for _, s := range subs {
		if _, dup := m[s.ClientID]; dup {
			t.Fatalf("duplicate clientId %q in FindAllSubscribers result", s.ClientID)
		}
		m[s.ClientID] = s.QoS
	}
	return m
}

func TestSubscribeIdempotent(t *testing.T) {
	idx := New()
	idx.Subscribe("c1", "sensors/temp", 1)
	idx.Subscribe("c1", "sensors/temp", 1)

	got := subSet(t, idx.FindAllSubscribers("sensors/temp"))
	if len(got) != 1 || got["c1"] != 1 {
		t.Fatalf("want exactly one sub c1@1, got %v", got)
	}
}

func TestSubscribeQoSLastWriteWins(t *testing.T) {
	idx := New()
	idx.Subscribe("c1", "a/b", 0)
	idx.Subscribe("c1", "a/b", 2)
	got := subSet(t, idx.FindAllSubscribers("a/b"))
	if got["c1"] != 2 {
		t.Fatalf("want qos 2 after overwrite, got %d", got["c1"])
	}
}

func TestExactNoWildcardCrossTalk(t *testing.T) {
	idx := New()
	idx.Subscribe("exact-sub", "a/b/c", 1)
	idx.Subscribe("wild-sub", "a/+/c", 1)

	got := subSet(t, idx.FindAllSubscribers("a/b/c"))
	if len(got) != 2 {
		t.Fatalf("want both subscribers for a/b/c, got %v", got)
	}

	got = subSet(t, idx.FindAllSubscribers("a/x/c"))
	if len(got) != 1 || got["wild-sub"] != 1 {
		t.Fatalf("want only wild-sub for a/x/c, got %v", got)
	}
}

func TestHashMatchesZeroOrMoreLevels(t *testing.T) {
	idx := New()
	idx.Subscribe("c1", "home/#", 0)

	for _, topic := range []string{"home", "home/living", "home/living/light"} {
		got := subSet(t, idx.FindAllSubscribers(topic))
		if len(got) != 1 {
			t.Fatalf("topic %q: want home/# to match (zero or more levels), got %v", topic, got)
		}
	}

	got := subSet(t, idx.FindAllSubscribers("office/living"))
	if len(got) != 0 {
		t.Fatalf("topic outside home/ must not match, got %v", got)
	}
}

func TestPlusMatchesExactlyOneLevel(t *testing.T) {
	idx := New()
	idx.Subscribe("c1", "sensors/+/temperature", 0)

	got := subSet(t, idx.FindAllSubscribers("sensors/bedroom/temperature"))
	if len(got) != 1 {
		t.Fatalf("want + to match one level, got %v", got)
	}

	got = subSet(t, idx.FindAllSubscribers("sensors/bedroom/sub/temperature"))
	if len(got) != 0 {
		t.Fatalf("+ must not match multiple levels, got %v", got)
	}

	got = subSet(t, idx.FindAllSubscribers("sensors/temperature"))
	if len(got) != 0 {
		t.Fatalf("+ must not match zero levels, got %v", got)
	}
}

func TestDollarTopicsRejectLeadingWildcard(t *testing.T) {
	idx := New()
	idx.Subscribe("hash-sub", "#", 0)
	idx.Subscribe("plus-sub", "+/stats", 0)
	idx.Subscribe("literal-sub", "$SYS/stats", 0)

	got := subSet(t, idx.FindAllSubscribers("$SYS/stats"))
	if len(got) != 1 || got["literal-sub"] != 0 {
		t.Fatalf("only the literal $SYS filter may match a $ topic, got %v", got)
	}
}

func TestUnsubscribeIsNoOpWhenAbsent(t *testing.T) {
	idx := New()
	idx.Unsubscribe("nope", "a/b") // must not panic

	idx.Subscribe("c1", "a/+", 0)
	idx.Unsubscribe("c1", "a/+")
	got := idx.FindAllSubscribers("a/b")
	if len(got) != 0 {
		t.Fatalf("expected no subscribers after unsubscribe, got %v", got)
	}
	if idx.HasSubscriber("a/+") {
		t.Fatalf("filter should have no owners left")
	}
}

func TestRoundTripSubscribeUnsubscribe(t *testing.T) {
	idx := New()
	before := idx.Stats()

	idx.Subscribe("c1", "x/y/z", 1)
	idx.Subscribe("c1", "x/+/z", 1)
	idx.Unsubscribe("c1", "x/y/z")
	idx.Unsubscribe("c1", "x/+/z")

	after := idx.Stats()
	if after != before {
		t.Fatalf("subscribe+unsubscribe round trip should restore stats: before=%+v after=%+v", before, after)
	}
}

func TestStats(t *testing.T) {
	idx := New()
	idx.Subscribe("c1", "a/b", 0)
	idx.Subscribe("c2", "a/b", 1)
	idx.Subscribe("c1", "a/+", 1)

	st := idx.Stats()
	if st.ExactTopics != 1 || st.ExactSubs != 2 {
		t.Fatalf("unexpected exact stats: %+v", st)
	}
	if st.WildcardPatterns != 1 || st.WildcardSubs != 1 {
		t.Fatalf("unexpected wildcard stats: %+v", st)
	}
}

func TestFindAllSubscribersOrderIndependent(t *testing.T) {
	idx := New()
	idx.Subscribe("b", "t", 0)
	idx.Subscribe("a", "t", 0)

	got := idx.FindAllSubscribers("t")
	ids := make([]string, 0, len(got))
	for _, s := range got {
		ids = append(ids, s.ClientID)
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("want both subscribers regardless of insert order, got %v", ids)
	}
}

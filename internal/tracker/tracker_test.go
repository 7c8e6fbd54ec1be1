package tracker

import (
	"fmt"
	"sync"
	"testing"

	"github.com/blockrelay/blockrelay/internal/delivery"
)

func track(t *Tracker, webhookID string, success bool, responseMS int64) {
	t.Track(&delivery.Delivery{ID: "del", WebhookID: webhookID}, delivery.Result{
		Success:        success,
		ResponseTimeMS: responseMS,
	})
}

func TestStats_CountsAndAverage(t *testing.T) {
	tr := New(0)

	track(tr, "wh-1", true, 100)
	track(tr, "wh-1", true, 200)
	track(tr, "wh-1", false, 60)

	st := tr.Stats("wh-1")
	if st.TotalDeliveries != 3 {
		t.Errorf("TotalDeliveries = %d, want 3", st.TotalDeliveries)
	}
	if st.SuccessfulDeliveries != 2 {
		t.Errorf("SuccessfulDeliveries = %d, want 2", st.SuccessfulDeliveries)
	}
	if st.FailedDeliveries != 1 {
		t.Errorf("FailedDeliveries = %d, want 1", st.FailedDeliveries)
	}
	// (100+200+60)/3 = 120
	if st.AverageResponseTimeMS != 120 {
		t.Errorf("AverageResponseTimeMS = %d, want 120", st.AverageResponseTimeMS)
	}
	if st.TotalDeliveries != st.SuccessfulDeliveries+st.FailedDeliveries {
		t.Error("total != successful + failed")
	}
}

func TestStats_AverageRounding(t *testing.T) {
	tr := New(0)

	// (100+101)/2 = 100.5 rounds to 101
	track(tr, "wh-1", true, 100)
	track(tr, "wh-1", true, 101)

	if got := tr.Stats("wh-1").AverageResponseTimeMS; got != 101 {
		t.Errorf("AverageResponseTimeMS = %d, want 101", got)
	}
}

func TestStats_UnknownWebhookIsZeroed(t *testing.T) {
	tr := New(0)

	st := tr.Stats("nope")
	if st != (Stats{}) {
		t.Errorf("Stats(unknown) = %+v, want zero value", st)
	}
	if recs := tr.Recent("nope", 10); len(recs) != 0 {
		t.Errorf("Recent(unknown) returned %d records, want 0", len(recs))
	}
}

func TestStats_ExactAcrossEviction(t *testing.T) {
	tr := New(DefaultWindow)

	// 1500 deliveries with known response times: i%2==0 succeed at 100ms,
	// the rest fail at 300ms. The window keeps only the last 1000, but the
	// stats must reflect all 1500.
	const n = 1500
	var sum int64
	for i := 0; i < n; i++ {
		ms := int64(100)
		success := i%2 == 0
		if !success {
			ms = 300
		}
		sum += ms
		track(tr, "wh-1", success, ms)
	}

	st := tr.Stats("wh-1")
	if st.TotalDeliveries != n {
		t.Errorf("TotalDeliveries = %d, want %d", st.TotalDeliveries, n)
	}
	if st.SuccessfulDeliveries != 750 {
		t.Errorf("SuccessfulDeliveries = %d, want 750", st.SuccessfulDeliveries)
	}
	if st.FailedDeliveries != 750 {
		t.Errorf("FailedDeliveries = %d, want 750", st.FailedDeliveries)
	}
	want := int64(200) // (100+300)/2 exactly
	if st.AverageResponseTimeMS != want {
		t.Errorf("AverageResponseTimeMS = %d, want %d (sum %d over %d)", st.AverageResponseTimeMS, want, sum, n)
	}
	if got := len(tr.Recent("wh-1", 0)); got != DefaultWindow {
		t.Errorf("retained window = %d records, want %d", got, DefaultWindow)
	}
}

func TestRecent_OrderAndLimit(t *testing.T) {
	tr := New(10)

	for i := 0; i < 6; i++ {
		tr.Track(&delivery.Delivery{ID: fmt.Sprintf("del-%d", i), WebhookID: "wh-1"},
			delivery.Result{Success: true, ResponseTimeMS: int64(i)})
	}

	recs := tr.Recent("wh-1", 3)
	if len(recs) != 3 {
		t.Fatalf("Recent() returned %d records, want 3", len(recs))
	}
	// Oldest-of-the-window first; last element is the most recent.
	wantIDs := []string{"del-3", "del-4", "del-5"}
	for i, want := range wantIDs {
		if recs[i].DeliveryID != want {
			t.Errorf("Recent()[%d].DeliveryID = %s, want %s", i, recs[i].DeliveryID, want)
		}
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Timestamp.Before(recs[i-1].Timestamp) {
			t.Error("Recent() records not in ascending timestamp order")
		}
	}
}

func TestRecent_WindowEviction(t *testing.T) {
	tr := New(5)

	for i := 0; i < 8; i++ {
		tr.Track(&delivery.Delivery{ID: fmt.Sprintf("del-%d", i), WebhookID: "wh-1"},
			delivery.Result{Success: true})
	}

	recs := tr.Recent("wh-1", 0)
	if len(recs) != 5 {
		t.Fatalf("retained %d records, want 5", len(recs))
	}
	if recs[0].DeliveryID != "del-3" {
		t.Errorf("oldest retained record = %s, want del-3", recs[0].DeliveryID)
	}
	if recs[4].DeliveryID != "del-7" {
		t.Errorf("newest retained record = %s, want del-7", recs[4].DeliveryID)
	}
}

func TestClear(t *testing.T) {
	tr := New(0)

	track(tr, "wh-1", true, 100)
	track(tr, "wh-2", true, 100)

	tr.Clear("wh-1")
	if st := tr.Stats("wh-1"); st != (Stats{}) {
		t.Errorf("Stats after Clear = %+v, want zero", st)
	}
	if st := tr.Stats("wh-2"); st.TotalDeliveries != 1 {
		t.Errorf("Clear(wh-1) affected wh-2: %+v", st)
	}

	// Clearing twice in a row is a no-op the second time.
	tr.Clear("wh-1")
	if st := tr.Stats("wh-1"); st != (Stats{}) {
		t.Errorf("Stats after double Clear = %+v, want zero", st)
	}
}

func TestClearAll_Idempotent(t *testing.T) {
	tr := New(0)

	track(tr, "wh-1", true, 100)
	track(tr, "wh-2", false, 100)

	tr.ClearAll()
	tr.ClearAll()

	if st := tr.Stats("wh-1"); st != (Stats{}) {
		t.Errorf("Stats(wh-1) after ClearAll = %+v, want zero", st)
	}
	if st := tr.Stats("wh-2"); st != (Stats{}) {
		t.Errorf("Stats(wh-2) after ClearAll = %+v, want zero", st)
	}
}

func TestTrack_ConcurrentWebhooks(t *testing.T) {
	tr := New(0)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		webhookID := fmt.Sprintf("wh-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				track(tr, webhookID, i%2 == 0, 50)
			}
		}()
	}
	wg.Wait()

	for w := 0; w < 4; w++ {
		st := tr.Stats(fmt.Sprintf("wh-%d", w))
		if st.TotalDeliveries != 200 {
			t.Errorf("wh-%d TotalDeliveries = %d, want 200", w, st.TotalDeliveries)
		}
		if st.TotalDeliveries != st.SuccessfulDeliveries+st.FailedDeliveries {
			t.Errorf("wh-%d total != successful+failed", w)
		}
	}
}

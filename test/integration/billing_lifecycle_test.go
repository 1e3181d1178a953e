//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	v1 "github.com/aevon-lab/chronicle/internal/api/v1"
	"github.com/aevon-lab/chronicle/internal/billing"
	"github.com/aevon-lab/chronicle/internal/scheduling"
)

func TestCoreAPI_E2ELifecycle_Subscription(t *testing.T) {
	h := startHarness(t)
	defer h.close(t)
	require.NoError(t, resetDatabase(t, h.db))

	paying := fmt.Sprintf("sub-pay-%d", time.Now().UnixNano())
	declining := fmt.Sprintf("sub-decline-%d", time.Now().UnixNano())
	advanceURL := h.url("/v1/clocks/" + scheduling.DefaultClockName + "/advance")

	t.Run("subscribe", func(t *testing.T) {
		status, body := postJSON(t, h.client, h.url("/v1/aggregates/subscription/"+paying), subscribe(t, "cust-1"))
		require.Equal(t, http.StatusCreated, status, string(body))
		status, body = postJSON(t, h.client, h.url("/v1/aggregates/subscription/"+declining), subscribe(t, decliningCustomer))
		require.Equal(t, http.StatusCreated, status, string(body))
		require.Equal(t, 2, pendingCommands(t, h), "each subscription waits for its first renewal")
	})

	t.Run("renewal before due does nothing", func(t *testing.T) {
		status, body := postJSON(t, h.client, advanceURL, v1.AdvanceClockRequest{By: "24h"})
		require.Equal(t, http.StatusOK, status, string(body))
		var adv v1.Advance
		require.NoError(t, json.Unmarshal(body, &adv))
		require.Empty(t, adv.Results)
	})

	t.Run("first renewal charges and declines", func(t *testing.T) {
		status, body := postJSON(t, h.client, advanceURL, v1.AdvanceClockRequest{By: "30d"})
		require.Equal(t, http.StatusBadRequest, status, "30d is not a Go duration: %s", body)

		status, body = postJSON(t, h.client, advanceURL, v1.AdvanceClockRequest{By: "720h"})
		require.Equal(t, http.StatusOK, status, string(body))

		var adv v1.Advance
		require.NoError(t, json.Unmarshal(body, &adv))
		outcomes := map[string]v1.Result{}
		for _, r := range adv.Results {
			outcomes[r.AggregateID] = r
		}
		require.Equal(t, "succeeded", outcomes[paying].Outcome)
		require.Equal(t, "retrying", outcomes[declining].Outcome)
		require.Equal(t, "24h0m0s", outcomes[declining].RetryAfter)
	})

	t.Run("history reflects the charge", func(t *testing.T) {
		status, body := get(t, h, "/v1/aggregates/subscription/"+paying)
		require.Equal(t, http.StatusOK, status, string(body))
		var agg v1.Aggregate
		require.NoError(t, json.Unmarshal(body, &agg))
		require.Len(t, agg.Events, 2)
		require.Equal(t, billing.EventSubscribed, agg.Events[0].Type)
		require.Equal(t, billing.EventRenewalCharged, agg.Events[1].Type)
		require.Equal(t, paying+"/renewal/1", agg.Events[1].ETag)
	})

	t.Run("decline is recorded", func(t *testing.T) {
		var errorsLogged int
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, h.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM scheduled_command_errors WHERE aggregate_id = $1`, declining).Scan(&errorsLogged))
		require.Equal(t, 1, errorsLogged)
	})

	t.Run("cancel stops renewals", func(t *testing.T) {
		status, body := postJSON(t, h.client, h.url("/v1/aggregates/subscription/"+paying+"/commands"), v1.Command{Type: billing.CommandCancel})
		require.Equal(t, http.StatusOK, status, string(body))

		status, body = postJSON(t, h.client, advanceURL, v1.AdvanceClockRequest{By: "720h"})
		require.Equal(t, http.StatusOK, status, string(body))

		status, body = get(t, h, "/v1/aggregates/subscription/"+paying)
		require.Equal(t, http.StatusOK, status)
		var agg v1.Aggregate
		require.NoError(t, json.Unmarshal(body, &agg))
		require.Len(t, agg.Events, 3, "no renewal after cancel")
		require.Equal(t, billing.EventCanceled, agg.Events[2].Type)
	})
}

func pendingCommands(t *testing.T, h *integrationHarness) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var n int
	require.NoError(t, h.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scheduled_commands WHERE applied_time IS NULL AND final_attempt_time IS NULL`).Scan(&n))
	return n
}

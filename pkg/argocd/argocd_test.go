// Copyright 2025 DeliveryOps LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package argocd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deliveryops/estatesnap/pkg/httpx"
)

func TestHealthRank(t *testing.T) {
	require.Less(t, HealthRank("Healthy"), HealthRank("Progressing"))
	require.Less(t, HealthRank("progressing"), HealthRank("Degraded"))
	require.Less(t, HealthRank("Degraded"), HealthRank("Missing"))
	require.Less(t, HealthRank("Missing"), HealthRank("Unknown"))
	require.Equal(t, 6, HealthRank("whatever"))
}

func TestSyncRank(t *testing.T) {
	require.Less(t, SyncRank("Synced"), SyncRank("OutOfSync"))
	require.Less(t, SyncRank("outofsync"), SyncRank("Unknown"))
	require.Equal(t, 4, SyncRank("whatever"))
}

func TestAppName(t *testing.T) {
	rules := map[string]string{"PROD": "{app}-production", "QA": "qa-{app}"}
	require.Equal(t, "orders-production", AppName(rules, "prod", "orders"))
	require.Equal(t, "qa-orders", AppName(rules, "QA", "orders"))
	// No rule for the stage: fall back to the raw app name.
	require.Equal(t, "orders", AppName(rules, "uat", "orders"))
}

func TestHostFor(t *testing.T) {
	hosts := map[string]string{
		"DEV":  "https://argo-dev.example.com",
		"PROD": "https://argo-prod.example.com",
	}
	require.Equal(t, hosts["PROD"], HostFor(hosts, nil, "prod", "prod"))
	// Envs pinned to the DEV host resolve there regardless of stage.
	require.Equal(t, hosts["DEV"], HostFor(hosts, []string{"green"}, "GREEN", "qa"))
	require.Equal(t, "", HostFor(hosts, nil, "uat", "uat"))
}

func TestGetApplication(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/applications/orders-production", r.URL.Path)
		require.Equal(t, "Bearer argo-token", r.Header.Get("Authorization"))
		//nolint:errcheck
		w.Write([]byte(`{"status": {"health": {"status": "Healthy"}, "sync": {"status": "Synced"}}}`))
	}))
	defer srv.Close()

	c := New(httpx.New(nil), srv.URL, "argo-token")
	st, err := c.GetApplication(context.Background(), "orders-production")
	require.NoError(t, err)
	require.Equal(t, "Healthy", st.Health)
	require.Equal(t, "Synced", st.Sync)
	require.Equal(t, srv.URL+"/applications/orders-production", st.AppURL)
}

func TestGetApplicationEmptyStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		//nolint:errcheck
		w.Write([]byte(`{"status": {}}`))
	}))
	defer srv.Close()

	c := New(httpx.New(nil), srv.URL, "argo-token")
	st, err := c.GetApplication(context.Background(), "app")
	require.NoError(t, err)
	require.Equal(t, "Unknown", st.Health)
	require.Equal(t, "Unknown", st.Sync)
}

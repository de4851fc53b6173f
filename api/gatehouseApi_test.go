package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gatehouse-io/gatehouse/clients"
	"github.com/gatehouse-io/gatehouse/invitations"
	"github.com/gatehouse-io/gatehouse/queue"
)

const make_store_fail = true

var (
	NO_PARAMS = map[string]string{}

	FAKE_CONFIG = Config{
		ServerSecret: "shhh! don't tell",
	}
)

type (
	//common test structure
	toTest struct {
		method   string
		url      string
		body     jo
		secret   string
		respCode int
		response jo
	}
	// These two types make it easier to define blobs of json inline.
	// We don't use the types defined by the API because we want to
	// be able to test with partial data structures.
	// jo is a generic json object
	jo map[string]interface{}
)

type testFixture struct {
	api    *Api
	router *mux.Router
	store  *clients.MockStoreClient
	queue  *queue.MemoryQueue
}

func newTestFixture(t *testing.T, storeFails bool) *testFixture {
	t.Helper()

	store := clients.NewMockStoreClient(storeFails)
	jobQueue := queue.NewMemoryQueue(queue.Config{Attempts: 3, DeadSetSize: 10})
	t.Cleanup(func() { jobQueue.Close() })

	logger := zap.NewNop().Sugar()
	manager := invitations.NewManager(invitations.NewRepository(store), jobQueue, nil, invitations.ManagerConfig{}, logger)

	gatehouse := NewApi(FAKE_CONFIG, store, manager, logger)
	rtr := mux.NewRouter()
	gatehouse.SetHandlers("", rtr)

	return &testFixture{api: gatehouse, router: rtr, store: store, queue: jobQueue}
}

func (f *testFixture) do(t *testing.T, test toTest) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Buffer = bytes.NewBuffer(nil)
	if test.body != nil {
		require.NoError(t, json.NewEncoder(body).Encode(test.body))
	}
	request, err := http.NewRequest(test.method, test.url, body)
	require.NoError(t, err)
	if test.secret != "" {
		request.Header.Set(GH_SERVICE_SECRET, test.secret)
	}

	response := httptest.NewRecorder()
	f.router.ServeHTTP(response, request)

	if response.Code != test.respCode {
		t.Fatalf("%s %s: resp given [%d] expected [%d]: %s",
			test.method, test.url, response.Code, test.respCode, response.Body.String())
	}
	if test.response != nil {
		var got jo
		require.NoError(t, json.Unmarshal(response.Body.Bytes(), &got))
		for key := range test.response {
			if fmt.Sprintf("%v", got[key]) != fmt.Sprintf("%v", test.response[key]) {
				t.Fatalf("%s %s: for [%s] was [%v] expected [%v]",
					test.method, test.url, key, got[key], test.response[key])
			}
		}
	}
	return response
}

// seed creates a pending invitation directly through the manager and returns
// its token.
func (f *testFixture) seed(t *testing.T, email string) string {
	t.Helper()
	invitation, err := f.api.manager.CreateInvitation(context.Background(), invitations.CreateParams{
		Email: email, Role: "editor",
	})
	require.NoError(t, err)
	return invitation.Token
}

func TestIsReady_StatusOk(t *testing.T) {
	f := newTestFixture(t, false)

	request, _ := http.NewRequest("GET", "/status", nil)
	response := httptest.NewRecorder()
	f.api.IsReady(response, request)

	if response.Code != http.StatusOK {
		t.Fatalf("Resp given [%d] expected [%d] ", response.Code, http.StatusOK)
	}
}

func TestIsReady_StatusInternalServerError(t *testing.T) {
	f := newTestFixture(t, make_store_fail)

	request, _ := http.NewRequest("GET", "/status", nil)
	response := httptest.NewRecorder()
	f.api.IsReady(response, request)

	if response.Code != http.StatusInternalServerError {
		t.Fatalf("Resp given [%d] expected [%d] ", response.Code, http.StatusInternalServerError)
	}
}

func TestIsAlive(t *testing.T) {
	f := newTestFixture(t, make_store_fail)

	request, _ := http.NewRequest("GET", "/live", nil)
	response := httptest.NewRecorder()
	f.api.IsAlive(response, request)

	if response.Code != http.StatusOK {
		t.Fatalf("Resp given [%d] expected [%d] ", response.Code, http.StatusOK)
	}
}

func TestSendInvitation(t *testing.T) {
	f := newTestFixture(t, false)

	tests := []toTest{
		{
			// no secret header on a guarded route
			method:   "POST",
			url:      "/invitations",
			body:     jo{"email": "invitee@example.com", "role": "editor"},
			respCode: http.StatusUnauthorized,
		},
		{
			method:   "POST",
			url:      "/invitations",
			secret:   FAKE_CONFIG.ServerSecret,
			body:     jo{"email": "invitee@example.com", "role": "editor"},
			respCode: http.StatusOK,
			response: jo{"email": "invitee@example.com", "status": "pending"},
		},
		{
			// second create for the same email rotates instead of duplicating
			method:   "POST",
			url:      "/invitations",
			secret:   FAKE_CONFIG.ServerSecret,
			body:     jo{"email": "invitee@example.com", "role": "editor"},
			respCode: http.StatusOK,
			response: jo{"resendCount": 1},
		},
		{
			method:   "POST",
			url:      "/invitations",
			secret:   FAKE_CONFIG.ServerSecret,
			body:     jo{"role": "editor"},
			respCode: http.StatusBadRequest,
		},
		{
			method:   "POST",
			url:      "/invitations",
			secret:   FAKE_CONFIG.ServerSecret,
			body:     jo{"email": "not-an-email", "role": "editor"},
			respCode: http.StatusBadRequest,
		},
		{
			// sms invitations need a phone number
			method:   "POST",
			url:      "/invitations",
			secret:   FAKE_CONFIG.ServerSecret,
			body:     jo{"email": "sms@example.com", "role": "editor", "inviteMethod": "sms"},
			respCode: http.StatusBadRequest,
		},
	}

	for _, test := range tests {
		f.do(t, test)
	}

	if f.store.Count("invitations") != 1 {
		t.Fatalf("Invitations stored [%d] expected [1]", f.store.Count("invitations"))
	}
	if f.queue.Len() != 2 {
		t.Fatalf("Jobs queued [%d] expected [2]", f.queue.Len())
	}
}

func TestGetInvitation(t *testing.T) {
	f := newTestFixture(t, false)
	token := f.seed(t, "invitee@example.com")

	f.do(t, toTest{
		method:   "GET",
		url:      "/invitations/" + token,
		respCode: http.StatusOK,
		response: jo{"inviteToken": token, "status": "pending"},
	})
	f.do(t, toTest{
		method:   "GET",
		url:      "/invitations/no-such-token",
		respCode: http.StatusNotFound,
	})
}

func TestGetAllInvitations(t *testing.T) {
	f := newTestFixture(t, false)
	f.seed(t, "one@example.com")
	f.seed(t, "two@example.com")

	response := f.do(t, toTest{
		method:   "GET",
		url:      "/invitations?pageSize=1",
		secret:   FAKE_CONFIG.ServerSecret,
		respCode: http.StatusOK,
	})

	var results []jo
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &results))
	if len(results) != 1 {
		t.Fatalf("Invitations listed [%d] expected [1]", len(results))
	}
}

func TestAcceptInvite(t *testing.T) {
	f := newTestFixture(t, false)
	token := f.seed(t, "invitee@example.com")

	tests := []toTest{
		{
			method:   "PUT",
			url:      "/invitations/" + token + "/accept",
			body:     jo{"fullName": "Jane Doe"},
			respCode: http.StatusBadRequest, // password required
		},
		{
			method:   "PUT",
			url:      "/invitations/" + token + "/accept",
			body:     jo{"fullName": "Jane Doe", "password": "weak"},
			respCode: http.StatusBadRequest,
		},
		{
			method:   "PUT",
			url:      "/invitations/" + token + "/accept",
			body:     jo{"fullName": "Jane Doe", "password": "Correct1Horse"},
			respCode: http.StatusOK,
			response: jo{"username": "invitee", "email": "invitee@example.com", "role": "editor"},
		},
		{
			// accepting twice conflicts
			method:   "PUT",
			url:      "/invitations/" + token + "/accept",
			body:     jo{"fullName": "Jane Doe", "password": "Correct1Horse"},
			respCode: http.StatusConflict,
		},
		{
			method:   "PUT",
			url:      "/invitations/no-such-token/accept",
			body:     jo{"password": "Correct1Horse"},
			respCode: http.StatusNotFound,
		},
	}

	for _, test := range tests {
		f.do(t, test)
	}

	if f.store.Count("users") != 1 {
		t.Fatalf("Users stored [%d] expected [1]", f.store.Count("users"))
	}
}

func TestAcceptInvite_AutoRevocation(t *testing.T) {
	f := newTestFixture(t, false)
	token := f.seed(t, "invitee@example.com")

	for attempt := 1; attempt < 5; attempt++ {
		f.do(t, toTest{
			method:   "PUT",
			url:      "/invitations/" + token + "/accept",
			body:     jo{"password": "weak"},
			respCode: http.StatusBadRequest,
		})
	}

	// the fifth failed attempt revokes the invitation
	f.do(t, toTest{
		method:   "PUT",
		url:      "/invitations/" + token + "/accept",
		body:     jo{"password": "weak"},
		respCode: http.StatusForbidden,
	})
	f.do(t, toTest{
		method:   "PUT",
		url:      "/invitations/" + token + "/accept",
		body:     jo{"password": "Correct1Horse"},
		respCode: http.StatusConflict,
	})
}

func TestResendInvite(t *testing.T) {
	f := newTestFixture(t, false)
	f.seed(t, "invitee@example.com")

	tests := []toTest{
		{
			method:   "POST",
			url:      "/invitations/resend",
			secret:   FAKE_CONFIG.ServerSecret,
			body:     jo{"email": "invitee@example.com"},
			respCode: http.StatusOK,
			response: jo{"resendCount": 1},
		},
		{
			method:   "POST",
			url:      "/invitations/resend",
			secret:   FAKE_CONFIG.ServerSecret,
			body:     jo{"email": "nobody@example.com"},
			respCode: http.StatusNotFound,
		},
		{
			method:   "POST",
			url:      "/invitations/resend",
			secret:   FAKE_CONFIG.ServerSecret,
			body:     jo{},
			respCode: http.StatusBadRequest,
		},
	}

	for _, test := range tests {
		f.do(t, test)
	}
}

func TestRevokeInvite(t *testing.T) {
	f := newTestFixture(t, false)
	token := f.seed(t, "invitee@example.com")

	f.do(t, toTest{
		method:   "PUT",
		url:      "/invitations/" + token + "/revoke",
		secret:   FAKE_CONFIG.ServerSecret,
		respCode: http.StatusOK,
	})
	// revoking again stays 200; the operation is idempotent
	f.do(t, toTest{
		method:   "PUT",
		url:      "/invitations/" + token + "/revoke",
		secret:   FAKE_CONFIG.ServerSecret,
		respCode: http.StatusOK,
	})
	f.do(t, toTest{
		method:   "PUT",
		url:      "/invitations/" + token + "/accept",
		body:     jo{"password": "Correct1Horse"},
		respCode: http.StatusConflict,
	})
}

func TestDeleteInvitation(t *testing.T) {
	f := newTestFixture(t, false)
	token := f.seed(t, "invitee@example.com")

	f.do(t, toTest{
		method:   "DELETE",
		url:      "/invitations/" + token,
		secret:   FAKE_CONFIG.ServerSecret,
		respCode: http.StatusOK,
	})

	if f.store.Count("invitations") != 0 {
		t.Fatalf("Invitations stored [%d] expected [0]", f.store.Count("invitations"))
	}
}

func TestSweeps(t *testing.T) {
	f := newTestFixture(t, false)
	f.seed(t, "invitee@example.com")

	f.do(t, toTest{
		method:   "POST",
		url:      "/invitations/sweep/expire",
		secret:   FAKE_CONFIG.ServerSecret,
		respCode: http.StatusOK,
		response: jo{"processed": 0},
	})
	f.do(t, toTest{
		method:   "POST",
		url:      "/invitations/sweep/remind",
		secret:   FAKE_CONFIG.ServerSecret,
		respCode: http.StatusOK,
		response: jo{"processed": 0},
	})
}

func TestGetDashboard(t *testing.T) {
	f := newTestFixture(t, false)
	f.seed(t, "one@example.com")
	f.seed(t, "two@example.com")

	f.do(t, toTest{
		method:   "GET",
		url:      "/invitations/dashboard",
		secret:   FAKE_CONFIG.ServerSecret,
		respCode: http.StatusOK,
		response: jo{"total": 2},
	})
}

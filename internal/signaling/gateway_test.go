package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Naveenravi07/Avara/internal/admission"
	"github.com/Naveenravi07/Avara/internal/bus"
	"github.com/Naveenravi07/Avara/internal/media"
	"github.com/Naveenravi07/Avara/internal/meet"
	"github.com/Naveenravi07/Avara/internal/models"
	"github.com/Naveenravi07/Avara/internal/session"
)

// frame is the union of Response and EventMessage, convenient for tests that
// read both off one connection.
type frame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Error string          `json:"error"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type gatewayEnv struct {
	t           *testing.T
	server      *httptest.Server
	coordinator *session.Coordinator
	meetings    meet.Repository
	admission   *admission.Coordinator
	sessionGW   *SessionGateway
	admissionGW *AdmissionGateway

	mu    sync.Mutex
	users map[string]models.User
}

func newGatewayEnv(t *testing.T) *gatewayEnv {
	t.Helper()

	engine := media.NewMemoryEngine()
	events := bus.NewMemoryBus(0)
	meetings := meet.NewMemoryRepository()
	coordinator := session.NewCoordinator(engine, nil)
	admissionCoord := admission.NewCoordinator(admission.NewMemoryStore(), events, nil)

	env := &gatewayEnv{
		t:           t,
		coordinator: coordinator,
		meetings:    meetings,
		admission:   admissionCoord,
		users:       make(map[string]models.User),
	}
	env.sessionGW = NewSessionGateway(SessionGatewayConfig{
		Coordinator: coordinator,
		Meetings:    meetings,
		Events:      events,
	})
	env.admissionGW = NewAdmissionGateway(AdmissionGatewayConfig{
		Admission: admissionCoord,
		Meetings:  meetings,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go env.sessionGW.Run(ctx)
	go admissionCoord.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/session", func(w http.ResponseWriter, r *http.Request) {
		env.sessionGW.HandleConnection(w, r, env.userFromRequest(r))
	})
	mux.HandleFunc("/ws/admission", func(w http.ResponseWriter, r *http.Request) {
		env.admissionGW.HandleConnection(w, r, env.userFromRequest(r))
	})
	env.server = httptest.NewServer(mux)

	t.Cleanup(func() {
		cancel()
		env.server.Close()
		_ = engine.Close()
	})
	return env
}

func (env *gatewayEnv) addUser(id, name string) models.User {
	user := models.User{ID: id, DisplayName: name}
	env.mu.Lock()
	env.users[id] = user
	env.mu.Unlock()
	return user
}

func (env *gatewayEnv) userFromRequest(r *http.Request) models.User {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.users[r.Header.Get("X-User-Id")]
}

func (env *gatewayEnv) createMeeting(creatorID string) models.Meeting {
	env.t.Helper()
	meeting, err := env.meetings.Create(context.Background(), creatorID)
	if err != nil {
		env.t.Fatalf("create meeting: %v", err)
	}
	return meeting
}

func (env *gatewayEnv) dial(path string, user models.User) *websocket.Conn {
	env.t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + path
	header := http.Header{"X-User-Id": []string{user.ID}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		env.t.Fatalf("dial %s: %v", path, err)
	}
	env.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendRequest(t *testing.T, conn *websocket.Conn, id, reqType string, payload interface{}) {
	t.Helper()
	req := Request{Type: reqType, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal %s payload: %v", reqType, err)
		}
		req.Data = raw
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write %s request: %v", reqType, err)
	}
}

func readFrame(conn *websocket.Conn, timeout time.Duration) (frame, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return frame{}, err
	}
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return frame{}, err
	}
	return f, nil
}

// awaitResponse reads frames until the response correlated with id arrives,
// discarding interleaved events.
func awaitResponse(t *testing.T, conn *websocket.Conn, id string) frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		f, err := readFrame(conn, time.Until(deadline))
		if err != nil {
			t.Fatalf("awaiting response %s: %v", id, err)
		}
		if f.Type == frameResponse && f.ID == id {
			return f
		}
	}
}

func mustRespond(t *testing.T, conn *websocket.Conn, id string) frame {
	t.Helper()
	f := awaitResponse(t, conn, id)
	if !f.OK {
		t.Fatalf("request %s failed: %s", id, f.Error)
	}
	return f
}

// awaitEventWithin reads frames until the named event arrives or the timeout
// passes, discarding everything else.
func awaitEventWithin(conn *websocket.Conn, event string, timeout time.Duration) (frame, bool) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := readFrame(conn, time.Until(deadline))
		if err != nil {
			return frame{}, false
		}
		if f.Type == frameEvent && f.Event == event {
			return f, true
		}
	}
}

func awaitEvent(t *testing.T, conn *websocket.Conn, event string) frame {
	t.Helper()
	f, ok := awaitEventWithin(conn, event, 2*time.Second)
	if !ok {
		t.Fatalf("timed out waiting for %s event", event)
	}
	return f
}

func decodeData(t *testing.T, f frame, dest interface{}) {
	t.Helper()
	if err := json.Unmarshal(f.Data, dest); err != nil {
		t.Fatalf("decode %s data: %v", f.Type, err)
	}
}

func TestSessionChannelMediaFlow(t *testing.T) {
	env := newGatewayEnv(t)
	owner := env.addUser("owner-1", "Owner")
	guest := env.addUser("guest-1", "Guest")
	meeting := env.createMeeting(owner.ID)

	ownerConn := env.dial("/ws/session", owner)
	sendRequest(t, ownerConn, "1", reqInitialize, map[string]string{"roomId": meeting.ID})
	mustRespond(t, ownerConn, "1")

	sendRequest(t, ownerConn, "2", reqGetCapabilities, nil)
	var caps media.Capabilities
	decodeData(t, mustRespond(t, ownerConn, "2"), &caps)
	if len(caps.Codecs) == 0 {
		t.Fatal("capabilities must list codecs")
	}

	sendRequest(t, ownerConn, "3", reqCreateTransport, map[string]bool{"isReceiver": false})
	var sendTransport media.TransportInfo
	decodeData(t, mustRespond(t, ownerConn, "3"), &sendTransport)
	if sendTransport.ID == "" {
		t.Fatal("transport id must be set")
	}

	sendRequest(t, ownerConn, "4", reqConnectTransport, map[string]interface{}{
		"transportId": sendTransport.ID,
		"isReceiver":  false,
		"dtlsParams":  media.ConnectParameters{},
	})
	mustRespond(t, ownerConn, "4")

	guestConn := env.dial("/ws/session", guest)
	sendRequest(t, guestConn, "1", reqInitialize, map[string]string{"roomId": meeting.ID})
	mustRespond(t, guestConn, "1")

	var joined session.ParticipantInfo
	decodeData(t, awaitEvent(t, ownerConn, evtParticipantJoined), &joined)
	if joined.ID != guest.ID {
		t.Fatalf("expected join event for %s, got %+v", guest.ID, joined)
	}

	sendRequest(t, guestConn, "2", reqCreateTransport, map[string]bool{"isReceiver": true})
	var recvTransport media.TransportInfo
	decodeData(t, mustRespond(t, guestConn, "2"), &recvTransport)
	sendRequest(t, guestConn, "3", reqConnectTransport, map[string]interface{}{
		"transportId": recvTransport.ID,
		"isReceiver":  true,
		"dtlsParams":  media.ConnectParameters{},
	})
	mustRespond(t, guestConn, "3")

	sendRequest(t, ownerConn, "5", reqProduce, map[string]interface{}{
		"transportId": sendTransport.ID,
		"kind":        media.KindVideo,
	})
	var produced struct {
		ID   string     `json:"id"`
		Kind media.Kind `json:"kind"`
	}
	decodeData(t, mustRespond(t, ownerConn, "5"), &produced)
	if produced.ID == "" || produced.Kind != media.KindVideo {
		t.Fatalf("unexpected produce response: %+v", produced)
	}

	var announced session.ProducerDescriptor
	decodeData(t, awaitEvent(t, guestConn, evtNewProducer), &announced)
	if announced.ID != produced.ID || announced.UserID != owner.ID {
		t.Fatalf("unexpected producer announcement: %+v", announced)
	}

	sendRequest(t, guestConn, "4", reqConsumeAll, map[string]interface{}{"capabilities": caps})
	var consumers []session.ConsumerDescriptor
	decodeData(t, mustRespond(t, guestConn, "4"), &consumers)
	if len(consumers) != 1 {
		t.Fatalf("expected one consumer, got %d", len(consumers))
	}
	if consumers[0].ProducerID != produced.ID || consumers[0].OwnerID != owner.ID {
		t.Fatalf("unexpected consumer: %+v", consumers[0])
	}

	sendRequest(t, guestConn, "5", reqResumeConsumer, map[string]string{"consumerId": consumers[0].ConsumerInfo.ID})
	mustRespond(t, guestConn, "5")

	sendRequest(t, guestConn, "6", reqListParticipants, nil)
	var participants []session.ParticipantInfo
	decodeData(t, mustRespond(t, guestConn, "6"), &participants)
	if len(participants) != 2 {
		t.Fatalf("expected two participants, got %+v", participants)
	}

	sendRequest(t, ownerConn, "6", reqCloseProducer, map[string]string{"producerId": produced.ID})
	mustRespond(t, ownerConn, "6")
	var closedProducer session.ProducerDescriptor
	decodeData(t, awaitEvent(t, guestConn, evtProducerClosed), &closedProducer)
	if closedProducer.ID != produced.ID {
		t.Fatalf("unexpected producerClosed payload: %+v", closedProducer)
	}

	_ = guestConn.Close()
	var left map[string]string
	decodeData(t, awaitEvent(t, ownerConn, evtParticipantLeft), &left)
	if left["userId"] != guest.ID {
		t.Fatalf("expected leave event for %s, got %v", guest.ID, left)
	}
}

func TestSessionRequestsBeforeInitializeAreRejected(t *testing.T) {
	env := newGatewayEnv(t)
	user := env.addUser("user-1", "User")

	conn := env.dial("/ws/session", user)
	sendRequest(t, conn, "1", reqGetCapabilities, nil)
	f := awaitResponse(t, conn, "1")
	if f.OK {
		t.Fatal("request before initialize must fail")
	}
	if !strings.Contains(f.Error, "initialize") {
		t.Fatalf("unexpected error: %s", f.Error)
	}
}

func TestSessionInitializeUnknownMeetingClosesChannel(t *testing.T) {
	env := newGatewayEnv(t)
	user := env.addUser("user-1", "User")

	conn := env.dial("/ws/session", user)
	sendRequest(t, conn, "1", reqInitialize, map[string]string{"roomId": "missing"})
	f := awaitEvent(t, conn, evtError)
	var detail map[string]string
	decodeData(t, f, &detail)
	if detail["message"] == "" {
		t.Fatalf("error event must carry a message, got %v", detail)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := readFrame(conn, time.Until(deadline)); err != nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("channel was not closed after initialize failure")
		}
	}
}

func TestSessionInitializeRejectsUserMismatch(t *testing.T) {
	env := newGatewayEnv(t)
	owner := env.addUser("owner-1", "Owner")
	meeting := env.createMeeting(owner.ID)

	conn := env.dial("/ws/session", owner)
	sendRequest(t, conn, "1", reqInitialize, map[string]string{
		"roomId": meeting.ID,
		"userId": "someone-else",
	})
	f := awaitEvent(t, conn, evtError)
	var detail map[string]string
	decodeData(t, f, &detail)
	if !strings.Contains(detail["message"], "mismatch") {
		t.Fatalf("expected user mismatch error, got %v", detail)
	}
}

func TestAdmissionFlow(t *testing.T) {
	env := newGatewayEnv(t)
	owner := env.addUser("owner-1", "Owner")
	guest := env.addUser("guest-1", "Guest")
	meeting := env.createMeeting(owner.ID)

	ownerConn := env.dial("/ws/session", owner)
	sendRequest(t, ownerConn, "1", reqInitialize, map[string]string{"roomId": meeting.ID})
	mustRespond(t, ownerConn, "1")

	guestConn := env.dial("/ws/admission?roomId="+meeting.ID, guest)
	sendRequest(t, guestConn, "1", reqInitialize, nil)
	mustRespond(t, guestConn, "1")

	// The bus subscriptions run in goroutines; repeat the announcement
	// until the owner connection observes it.
	var waitingFrame frame
	deadline := time.Now().Add(3 * time.Second)
	for attempt := 0; ; attempt++ {
		id := fmt.Sprintf("w%d", attempt)
		sendRequest(t, guestConn, id, reqRequestToWait, nil)
		mustRespond(t, guestConn, id)
		if f, ok := awaitEventWithin(ownerConn, evtUserWaiting, 300*time.Millisecond); ok {
			waitingFrame = f
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("owner never observed the waiting announcement")
		}
	}
	var waiting map[string]string
	decodeData(t, waitingFrame, &waiting)
	if waiting["userId"] != guest.ID || waiting["name"] != guest.DisplayName {
		t.Fatalf("unexpected waiting announcement: %v", waiting)
	}

	entry, ok, err := env.admission.Entry(context.Background(), meeting.ID, guest.ID)
	if err != nil || !ok {
		t.Fatalf("waiting entry missing: ok=%v err=%v", ok, err)
	}
	if entry.Status != models.WaitingStatusWaiting {
		t.Fatalf("expected waiting status, got %q", entry.Status)
	}

	var approval frame
	deadline = time.Now().Add(3 * time.Second)
	for {
		if err := env.admission.Admit(context.Background(), meeting.ID, guest.ID); err != nil {
			t.Fatalf("admit: %v", err)
		}
		if f, ok := awaitEventWithin(guestConn, evtAdmissionApproval, 300*time.Millisecond); ok {
			approval = f
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("guest never observed the admission decision")
		}
	}
	if string(approval.Data) != `"Ok"` {
		t.Fatalf("unexpected approval payload: %s", approval.Data)
	}
}

func TestAdmissionRequiresKnownRoom(t *testing.T) {
	env := newGatewayEnv(t)
	user := env.addUser("user-1", "User")

	conn := env.dial("/ws/admission", user)
	f := awaitEvent(t, conn, evtError)
	var detail map[string]string
	decodeData(t, f, &detail)
	if !strings.Contains(detail["message"], "room id") {
		t.Fatalf("expected missing room id error, got %v", detail)
	}

	conn = env.dial("/ws/admission?roomId=missing", user)
	f = awaitEvent(t, conn, evtError)
	decodeData(t, f, &detail)
	if !strings.Contains(detail["message"], "not found") {
		t.Fatalf("expected meeting not found error, got %v", detail)
	}
}

func TestAdmissionDisconnectRemovesWaitingEntry(t *testing.T) {
	env := newGatewayEnv(t)
	owner := env.addUser("owner-1", "Owner")
	guest := env.addUser("guest-1", "Guest")
	meeting := env.createMeeting(owner.ID)

	conn := env.dial("/ws/admission?roomId="+meeting.ID, guest)
	sendRequest(t, conn, "1", reqRequestToWait, nil)
	mustRespond(t, conn, "1")

	if _, ok, err := env.admission.Entry(context.Background(), meeting.ID, guest.ID); err != nil || !ok {
		t.Fatalf("waiting entry missing before disconnect: ok=%v err=%v", ok, err)
	}

	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, ok, err := env.admission.Entry(context.Background(), meeting.ID, guest.ID)
		if err != nil {
			t.Fatalf("entry lookup: %v", err)
		}
		if !ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("waiting entry survived the disconnect")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/wemind/wemind/internal/audit"
	"github.com/wemind/wemind/internal/chat"
	"github.com/wemind/wemind/internal/config"
	"github.com/wemind/wemind/internal/grouping"
	"github.com/wemind/wemind/internal/hub"
	"github.com/wemind/wemind/internal/moderation"
	"github.com/wemind/wemind/internal/notify"
	"github.com/wemind/wemind/internal/provider"
	"github.com/wemind/wemind/internal/secrets"
	"github.com/wemind/wemind/internal/store"
	"github.com/wemind/wemind/internal/summary"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the chat gateway (HTTP API and WebSocket)",
	Run:   runGateway,
}

// gatewayDeps bundles everything the HTTP surface needs.
type gatewayDeps struct {
	cfg    *config.Config
	store  *store.Store
	orch   *chat.Orchestrator
	hub    *hub.Hub
	recaps *summary.Worker
}

func runGateway(cmd *cobra.Command, args []string) {
	printHeader("🌐 WeMind Gateway")
	fmt.Println("Starting WeMind Gateway...")

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}

	// First start generates the message encryption key and persists it.
	if cfg.Security.EncryptionKey == "" {
		key, err := secrets.GenerateKey()
		if err != nil {
			fmt.Printf("Key generation error: %v\n", err)
			os.Exit(1)
		}
		cfg.Security.EncryptionKey = key
		if err := config.Save(cfg); err != nil {
			fmt.Printf("⚠️ Could not persist encryption key: %v\n", err)
		} else {
			fmt.Println("🔐 Generated message encryption key")
		}
	}
	cipher, err := secrets.NewCipher(cfg.Security.EncryptionKey)
	if err != nil {
		fmt.Printf("Cipher error: %v\n", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		fmt.Printf("Storage error: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	log := slog.Default()
	prov := provider.NewOpenAIProvider(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase, cfg.Model.Name)

	connHub := hub.New(st, log)
	assigner := grouping.NewAssigner(st, prov, cfg.Grouping, log)
	classifier := moderation.NewClassifier(prov, cfg.Moderation.Model)
	responder := moderation.NewResponder(prov, cfg.Model.Name, cfg.Model.MaxTokens, cfg.Model.Temperature)

	var producer *audit.Producer
	if cfg.Audit.Enabled {
		producer = audit.NewProducer(cfg.Audit.Brokers, cfg.Audit.Topic, log)
		defer producer.Close()
		fmt.Printf("📝 Audit trail → Kafka %s (%s)\n", cfg.Audit.Brokers, cfg.Audit.Topic)
	}
	var notifier *notify.Notifier
	if cfg.Notify.Enabled {
		notifier = notify.New(cfg.Notify.SlackToken, cfg.Notify.SlackChannel, log)
		fmt.Println("📣 Slack escalations enabled")
	}

	orch := chat.New(st, cipher, classifier, responder, assigner, connHub, producer, notifier, prov, cfg, log)
	recaps := summary.NewWorker(st, cipher, prov, cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Summary.Enabled {
		go recaps.Run(ctx)
		fmt.Printf("🌙 Daily recap worker started (every %s)\n", cfg.Summary.Interval)
	}

	deps := &gatewayDeps{cfg: cfg, store: st, orch: orch, hub: connHub, recaps: recaps}
	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	srv := &http.Server{Addr: addr, Handler: newGatewayMux(deps)}
	go func() {
		fmt.Printf("📡 API Server listening on http://%s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("API Server Error: %v\n", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	fmt.Println("Gateway running. Press Ctrl+C to stop.")
	<-sigChan

	fmt.Println("Shutting down...")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = srv.Shutdown(stopCtx)
	stopCancel()
	cancel()
}

func newGatewayMux(d *gatewayDeps) *http.ServeMux {
	mux := http.NewServeMux()

	// Unauthenticated health check.
	mux.HandleFunc("/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"service": "wemind",
			"version": version,
			"status":  "ok",
		})
	})

	mux.HandleFunc("/api/v1/users", d.requireAuth(d.handleCreateUser))
	mux.HandleFunc("/api/v1/questionnaire", d.requireAuth(d.handleQuestionnaire))
	mux.HandleFunc("/api/v1/groups/assign", d.requireAuth(d.handleAssign))
	mux.HandleFunc("/api/v1/groups/ai-pair", d.requireAuth(d.handleAIPair))
	mux.HandleFunc("/api/v1/groups/members", d.requireAuth(d.handleMembers))
	mux.HandleFunc("/api/v1/groups/leave", d.requireAuth(d.handleLeave))
	mux.HandleFunc("/api/v1/groups", d.requireAuth(d.handleGroups))
	mux.HandleFunc("/api/v1/messages", d.requireAuth(d.handleMessages))
	mux.HandleFunc("/api/v1/notices", d.requireAuth(d.handleNotices))
	mux.HandleFunc("/api/v1/notices/read", d.requireAuth(d.handleNoticeRead))
	mux.HandleFunc("/api/v1/counselors/assign", d.requireAuth(d.handleAssignCounselor))
	mux.HandleFunc("/api/v1/summaries", d.requireAuth(d.handleSummaries))
	mux.HandleFunc("/ws", d.handleWS)

	return mux
}

func (d *gatewayDeps) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.cfg.Gateway.AuthToken != "" {
			token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			if token != d.cfg.Gateway.AuthToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrGroupFull):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, chat.ErrNotAMember), errors.Is(err, chat.ErrNotACounselor):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, grouping.ErrNoQuestionnaireData):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (d *gatewayDeps) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Username string `json:"username"`
		Role     string `json:"role"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Username) == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}
	role := req.Role
	switch role {
	case "":
		role = store.RoleMember
	case store.RoleMember, store.RoleCounselor, store.RoleOperator:
	default:
		http.Error(w, "unknown role", http.StatusBadRequest)
		return
	}
	u := &store.User{ID: uuid.NewString(), Name: req.Username, Role: role}
	if err := d.store.CreateUser(u); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (d *gatewayDeps) handleQuestionnaire(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			UserID  string          `json:"user_id"`
			Answers json.RawMessage `json:"answers"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.UserID == "" || len(req.Answers) == 0 {
			http.Error(w, "user_id and answers are required", http.StatusBadRequest)
			return
		}
		if _, err := d.store.GetUser(req.UserID); err != nil {
			writeError(w, err)
			return
		}
		if err := d.store.SetAnswers(req.UserID, string(req.Answers)); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
	case http.MethodGet:
		userID := r.URL.Query().Get("user_id")
		answers, err := d.store.GetAnswers(userID)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, answers)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (d *gatewayDeps) handleAssign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	assignment, err := d.orch.AssignGroup(r.Context(), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (d *gatewayDeps) handleAIPair(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	g, err := d.orch.CreateAIPair(r.Context(), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (d *gatewayDeps) handleLeave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		UserID  string `json:"user_id"`
		GroupID string `json:"group_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := d.orch.LeaveGroup(r.Context(), req.UserID, req.GroupID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

func (d *gatewayDeps) handleMembers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			CounselorID string `json:"counselor_id"`
			GroupID     string `json:"group_id"`
			UserID      string `json:"user_id"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := d.orch.AddGroupMember(r.Context(), req.CounselorID, req.GroupID, req.UserID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
	case http.MethodGet:
		userID := r.URL.Query().Get("user_id")
		groupID := r.URL.Query().Get("group_id")
		ok, err := d.store.IsActiveMember(groupID, userID)
		if err != nil {
			writeError(w, err)
			return
		}
		if !ok {
			writeError(w, chat.ErrNotAMember)
			return
		}
		ids, err := d.store.ListActiveMemberIDs(groupID)
		if err != nil {
			writeError(w, err)
			return
		}
		members := make([]*store.User, 0, len(ids))
		for _, id := range ids {
			u, err := d.store.GetUser(id)
			if err != nil {
				continue
			}
			members = append(members, u)
		}
		writeJSON(w, http.StatusOK, members)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (d *gatewayDeps) handleGroups(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			CounselorID string   `json:"counselor_id"`
			Name        string   `json:"name"`
			MemberIDs   []string `json:"member_ids"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		g, err := d.orch.CreateCounselorGroup(r.Context(), req.CounselorID, req.Name, req.MemberIDs)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, g)
	case http.MethodGet:
		userID := r.URL.Query().Get("user_id")
		memberships, err := d.store.ListMemberships(userID)
		if err != nil {
			writeError(w, err)
			return
		}
		groups := make([]*store.Group, 0, len(memberships))
		for _, m := range memberships {
			g, err := d.store.GetGroup(m.GroupID)
			if err != nil {
				continue
			}
			groups = append(groups, g)
		}
		writeJSON(w, http.StatusOK, groups)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (d *gatewayDeps) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			UserID  string `json:"user_id"`
			GroupID string `json:"group_id"`
			Content string `json:"content"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			http.Error(w, "content is required", http.StatusBadRequest)
			return
		}
		res, err := d.orch.PostMessage(r.Context(), req.UserID, req.GroupID, req.Content)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case http.MethodGet:
		userID := r.URL.Query().Get("user_id")
		groupID := r.URL.Query().Get("group_id")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		history, err := d.orch.History(r.Context(), userID, groupID, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, history)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (d *gatewayDeps) handleNotices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user_id")
	unreadOnly := r.URL.Query().Get("unread") == "true"
	notices, err := d.store.ListNotices(userID, unreadOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, notices)
}

func (d *gatewayDeps) handleNoticeRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		UserID   string `json:"user_id"`
		NoticeID int64  `json:"notice_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := d.store.MarkNoticeRead(req.NoticeID, req.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

func (d *gatewayDeps) handleAssignCounselor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		UserID      string `json:"user_id"`
		CounselorID string `json:"counselor_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	counselor, err := d.store.GetUser(req.CounselorID)
	if err != nil {
		writeError(w, err)
		return
	}
	if counselor.Role != store.RoleCounselor {
		http.Error(w, "assignee is not a counselor", http.StatusBadRequest)
		return
	}
	if err := d.store.AssignCounselor(req.UserID, req.CounselorID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "assigned"})
}

func (d *gatewayDeps) handleSummaries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	rec, err := d.recaps.Fetch(q.Get("user_id"), q.Get("group_id"), q.Get("day"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleWS authenticates via query parameters since browser WebSocket
// clients cannot set an Authorization header.
func (d *gatewayDeps) handleWS(w http.ResponseWriter, r *http.Request) {
	if d.cfg.Gateway.AuthToken != "" && r.URL.Query().Get("token") != d.cfg.Gateway.AuthToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if _, err := d.store.GetUser(userID); err != nil {
		writeError(w, err)
		return
	}
	d.hub.ServeWS(w, r, userID)
}

package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// GitHubPushEvent represents the relevant fields from a GitHub push webhook.
type GitHubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
		HTMLURL  string `json:"html_url"`
		SSHURL   string `json:"ssh_url"`
	} `json:"repository"`
}

// handleWebhook queues a poll for every application tracking the pushed
// repository.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.logger.WithError(err).Error("Failed to read webhook body")
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if len(s.webhookSecret) > 0 && !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("Rejecting webhook with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	switch event := r.Header.Get("X-GitHub-Event"); event {
	case "ping":
		writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
		return
	case "push", "":
	default:
		s.logger.WithField("event", event).Debug("Ignoring webhook event")
		writeJSON(w, http.StatusOK, map[string]string{"message": "event ignored"})
		return
	}

	var event GitHubPushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.WithError(err).Warn("Failed to parse webhook payload")
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	queued := s.manager.NotifyPush(func(repoURL string) bool {
		return event.matches(repoURL)
	})
	s.logger.WithFields(logrus.Fields{
		"repo":   event.Repository.FullName,
		"ref":    event.Ref,
		"commit": event.After,
		"queued": len(queued),
	}).Info("Webhook accepted")

	if queued == nil {
		queued = []string{}
	}
	writeJSON(w, http.StatusAccepted, map[string][]string{"queued": queued})
}

// verifySignature verifies the GitHub webhook signature.
func (s *Server) verifySignature(body []byte, signature string) bool {
	// GitHub signature format: sha256=<hex>
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.webhookSecret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// matches reports whether repoURL names the repository of the event.
func (e GitHubPushEvent) matches(repoURL string) bool {
	want := normalizeRepoURL(repoURL)
	if want == "" {
		return false
	}
	for _, u := range []string{e.Repository.CloneURL, e.Repository.HTMLURL, e.Repository.SSHURL} {
		if u != "" && normalizeRepoURL(u) == want {
			return true
		}
	}
	fullName := strings.ToLower(e.Repository.FullName)
	return fullName != "" && strings.HasSuffix(want, "/"+fullName)
}

// normalizeRepoURL reduces https, ssh and scp-like git URLs to host/path.
func normalizeRepoURL(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	if i := strings.Index(u, "://"); i >= 0 {
		u = u[i+3:]
	} else if at := strings.Index(u, "@"); at >= 0 {
		// scp-like: git@host:owner/repo
		u = strings.Replace(u[at+1:], ":", "/", 1)
	}
	if at := strings.LastIndex(u, "@"); at >= 0 {
		u = u[at+1:]
	}
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, ".git")
	return u
}

package main

import (
	"log"
	"net/http"
	"time"
)

// proxyHandler carries everything the HTTP surface needs.
type proxyHandler struct {
	store         *CredentialStore
	usage         *UsageCache
	manager       *AccountManager
	refresher     *TokenRefresher
	provider      *PoolProvider
	history       *HistoryStore
	debug         bool
	flushInterval time.Duration
}

// ServeHTTP routes incoming requests to the appropriate handler.
func (h *proxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.debug {
		log.Printf("[%s] incoming %s %s", randomID(), r.Method, r.URL.Path)
	}

	switch r.URL.Path {
	case "/healthz":
		h.serveHealth(w)
		return
	case "/v1/messages":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleMessages(w, r)
		return
	case "/admin/accounts":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleAccountList(w, r)
		return
	case "/admin/accounts/select":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleAccountSelect(w, r)
		return
	case "/admin/accounts/add":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleAccountAdd(w, r)
		return
	case "/admin/accounts/exchange":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleAccountExchange(w, r)
		return
	case "/admin/history":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleHistory(w, r)
		return
	case "/admin/reload":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.store.Reload()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
		return
	}

	http.NotFound(w, r)
}

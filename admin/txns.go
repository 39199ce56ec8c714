package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/settfs/sett/hlc"
)

// Stats reports the engine counters of this rank.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	active, pins, authPins := h.rank.TxnStats()
	caches, filterEntries := h.rank.LockCacheStats()
	writeJSON(w, map[string]interface{}{
		"rank_id":         h.rank.ID(),
		"active_txns":     active,
		"pins":            pins,
		"auth_pins":       authPins,
		"lock_caches":     caches,
		"filter_entries":  filterEntries,
		"slave_updates":   h.rank.SlaveUpdateStats(),
		"journal_durable": h.log.Durable(),
	})
}

// ListTxns lists every live transaction, masters then slaves.
func (h *Handlers) ListTxns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.rank.InspectTxns())
}

// GetTxn returns one transaction by id.
func (h *Handlers) GetTxn(w http.ResponseWriter, r *http.Request) {
	id, err := parseTxnID(chi.URLParam(r, "txnID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, ok := h.rank.InspectTxn(id)
	if !ok {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	writeJSON(w, info)
}

// KillTxn aborts a stuck master transaction. Slave transactions cannot be
// killed here; their fate belongs to the master rank.
func (h *Handlers) KillTxn(w http.ResponseWriter, r *http.Request) {
	id, err := parseTxnID(chi.URLParam(r, "txnID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.rank.Kill(id) {
		writeError(w, http.StatusNotFound, "transaction not found or not killable")
		return
	}
	writeJSON(w, map[string]interface{}{"txn_id": id, "killed": true})
}

// ListLockCaches lists the live client lock caches.
func (h *Handlers) ListLockCaches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.rank.InspectCaches())
}

// ListSessions lists clients with cached state on this rank.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.rank.InspectSessions())
}

// ListPrepares lists durable prepare votes still awaiting a decision.
// Blobs are reported by size only.
func (h *Handlers) ListPrepares(w http.ResponseWriter, r *http.Request) {
	recs, err := h.log.ListPrepares()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]interface{}, 0, len(recs))
	for _, rec := range recs {
		out = append(out, map[string]interface{}{
			"txn_id":         rec.TxnID,
			"master_rank":    rec.MasterRank,
			"op":             rec.Op.String(),
			"minted_at":      formatTimestamp(hlc.ReqIDMillis(rec.TxnID) * int64(time.Millisecond)),
			"created_at":     formatTimestamp(rec.CreatedAtNs),
			"payload_bytes":  len(rec.Payload),
			"rollback_bytes": len(rec.Rollback),
		})
	}
	writeJSON(w, out)
}

// TailJournal returns journal entries starting at ?from= (default 0),
// capped by ?limit=.
func (h *Handlers) TailJournal(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var fromSeq uint64
	if s := r.URL.Query().Get("from"); s != "" {
		fromSeq, err = strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from parameter")
			return
		}
	}
	entries, err := h.log.TailEntries(fromSeq, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{
			"seq":           e.Seq,
			"txn_id":        e.TxnID,
			"kind":          e.Kind.String(),
			"op":            e.Op.String(),
			"payload_bytes": len(e.Payload),
			"created_at":    formatTimestamp(e.CreatedAtNs),
		})
	}
	writeJSON(w, map[string]interface{}{
		"durable_seq": h.log.Durable(),
		"entries":     out,
	})
}

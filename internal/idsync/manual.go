package idsync

import (
	"strconv"
	"strings"

	"visitorid/internal/audit"
	"visitorid/pkg/platform/urlutil"
)

const defaultManualTTL = 20160 // 14 days

// Manual sync results. Errors are returned as messages, not Go errors.
const (
	ManualQueued          = "Successfully queued"
	ErrSyncsDisabled      = "Error: id syncs have been disabled"
	ErrEmptyDPID          = "Error: config.dpid is empty"
	ErrEmptyURL           = "Error: config.url is empty"
	ErrInvalidTTL         = "Error: config.minutesToLive needs to be a positive number"
	ErrEmptyDataSourceCfg = "Error: config or config.dpuuid is empty"
)

// ManualSync asks for a sync the backend did not request.
type ManualSync struct {
	DPID   string
	DPUUID string
	URL    string
	// MinutesToLive defaults to two weeks when nil.
	MinutesToLive *int
}

// SyncByURL queues an image sync to the given URL. Once the sync frame
// failed the sync is fired as a pixel instead.
func (e *Engine) SyncByURL(req ManualSync) string {
	result := e.syncByURL(req)
	if result == ManualQueued {
		e.metrics.incManual("queued")
	} else {
		e.metrics.incManual("rejected")
	}
	return result
}

func (e *Engine) syncByURL(req ManualSync) string {
	if e.cfg.DisableSyncs {
		return ErrSyncsDisabled
	}
	if req.DPID == "" {
		return ErrEmptyDPID
	}
	if req.URL == "" {
		return ErrEmptyURL
	}
	ttl := defaultManualTTL
	if req.MinutesToLive != nil {
		ttl = *req.MinutesToLive
		if ttl <= 0 {
			return ErrInvalidTTL
		}
	}

	u := strings.TrimPrefix(strings.TrimPrefix(req.URL, "https:"), "http:")
	if e.frameFailed {
		// No frame will ever drain the queue.
		in := Instruction{ProviderID: req.DPID, Tag: "img", URLs: []string{u}, TTL: strconv.Itoa(ttl)}
		e.emit(audit.ActionManualSync, audit.ChannelPage, req.DPID, u)
		e.firePixels(in, e.syncs, Day(e.sched.Now()))
		return ManualQueued
	}
	message := strings.Join([]string{
		"ibs",
		urlutil.EncodeComponent(req.DPID),
		"img",
		urlutil.EncodeComponent(u),
		strconv.Itoa(ttl),
		"",
		urlutil.EncodeJoin([]string{"", req.DPID, req.DPUUID}, ","),
	}, "|")

	e.addMessage(message, req.DPID)
	e.emit(audit.ActionManualSync, audit.ChannelFrame, req.DPID, u)
	e.requestToProcess(nil)
	return ManualQueued
}

// SyncByDataSource queues a sync through the backend's own data source endpoint.
func (e *Engine) SyncByDataSource(req ManualSync) string {
	if req.DPUUID == "" {
		e.metrics.incManual("rejected")
		return ErrEmptyDataSourceCfg
	}
	req.URL = "//dpm.demdex.net/ibs:dpid=" + req.DPID + "&dpuuid=" + req.DPUUID
	return e.SyncByURL(req)
}

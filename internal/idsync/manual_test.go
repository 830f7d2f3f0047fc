package idsync

import (
	"errors"

	"visitorid/internal/audit"
)

func intPtr(n int) *int {
	return &n
}

func (s *EngineSuite) TestSyncByURLValidation() {
	e := s.newEngine()
	s.Equal(ErrEmptyDPID, e.SyncByURL(ManualSync{URL: "//x"}))
	s.Equal(ErrEmptyURL, e.SyncByURL(ManualSync{DPID: "411"}))
	s.Equal(ErrInvalidTTL, e.SyncByURL(ManualSync{DPID: "411", URL: "//x", MinutesToLive: intPtr(0)}))
	s.Empty(e.Pending())

	s.cfg.Sync.DisableSyncs = true
	s.Equal(ErrSyncsDisabled, s.newEngine().SyncByURL(ManualSync{DPID: "411", URL: "//x"}))
}

func (s *EngineSuite) TestSyncByURLQueuesUntilFrameLoads() {
	e := s.newEngine()
	s.Equal(ManualQueued, e.SyncByURL(ManualSync{DPID: "411", DPUUID: "u1", URL: "https://example.com/sync"}))
	s.Equal([]string{"---destpub---ibs|411|img|%2F%2Fexample.com%2Fsync|20160||,411,u1"}, e.Pending())
	s.Equal([]audit.Action{audit.ActionMessageQueued, audit.ActionManualSync}, s.pub.actions())

	s.host.loaded = true
	e.ProcessIDCallData(idCallData("dpm", frameSync("22", false)))
	s.Equal("---destpub---ibs|411|img|%2F%2Fexample.com%2Fsync|20160||,411,u1", s.host.frame.messages[0])
}

func (s *EngineSuite) TestSyncByURLCustomTTL() {
	e := s.newEngine()
	s.Equal(ManualQueued, e.SyncByURL(ManualSync{DPID: "7", URL: "http://example.com/p", MinutesToLive: intPtr(60)}))
	s.Equal([]string{"---destpub---ibs|7|img|%2F%2Fexample.com%2Fp|60||,7,"}, e.Pending())
}

func (s *EngineSuite) TestSyncByDataSource() {
	e := s.newEngine()
	s.Equal(ErrEmptyDataSourceCfg, e.SyncByDataSource(ManualSync{DPID: "411"}))
	s.Equal(ManualQueued, e.SyncByDataSource(ManualSync{DPID: "411", DPUUID: "u1"}))
	s.Equal([]string{"---destpub---ibs|411|img|%2F%2Fdpm.demdex.net%2Fibs%3Adpid%3D411%26dpuuid%3Du1|20160||,411,u1"}, e.Pending())
}

func (s *EngineSuite) TestSyncByURLAfterFrameFailureFiresPixel() {
	s.host.err = errors.New("frames blocked")
	e := s.newEngine()
	e.ProcessIDCallData(idCallData("dpm", frameSync("22", false)))
	s.Require().Equal(StateNoFrame, e.State())

	s.Equal(ManualQueued, e.SyncByURL(ManualSync{DPID: "411", DPUUID: "u1", URL: "https://example.com/sync"}))
	s.Empty(e.Pending())
	s.Require().Len(s.pixels.fired, 1)
	s.Equal("https://example.com/sync", s.pixels.fired[0].url)
	s.Contains(s.pub.actions(), audit.ActionManualSync)

	s.pixels.fired[0].onLoad()
	s.Equal([]Record{{ProviderID: "411", ExpiryDay: s.today() + 14}}, e.Records(false))
}

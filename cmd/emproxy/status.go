package main

import (
	"github.com/emproxy/emproxy/internal/health"
	"github.com/emproxy/emproxy/internal/session"
)

// statusAdapter exposes a session manager to the health server.
type statusAdapter struct {
	mgr *session.Manager
}

func (a statusAdapter) IsRunning() bool { return a.mgr.Running() }

func (a statusAdapter) IsReady() bool { return a.mgr.Ready() }

func (a statusAdapter) Stats() health.Stats {
	return toHealthStats(a.mgr.Status())
}

func toHealthStats(st session.Status) health.Stats {
	hs := health.Stats{
		State:        st.State,
		UptimeSecs:   st.Uptime.Seconds(),
		DatagramsIn:  st.Stats.DatagramsIn,
		DatagramsOut: st.Stats.DatagramsOut,
		BytesIn:      st.Stats.BytesIn,
		BytesOut:     st.Stats.BytesOut,
		Rejected:     st.Stats.Rejected,
		Reflected:    st.Stats.Reflected,
		LastError:    st.LastError,
	}
	if st.Address.IsValid() {
		hs.Address = st.Address.String()
	}
	return hs
}

package main

import (
	"sync"

	"github.com/fieldmesh/comsrv/internal/model"
)

// channelResolver implements ingress.Resolver over the in-memory channel
// set loaded at startup, mapping the legacy device:control/device:adjust
// pub-sub payload's channel/signal names back onto the channel/point id
// space drivers are keyed by.
type channelResolver struct {
	mu         sync.RWMutex
	idByName   map[string]uint16
	pointIndex map[uint16]map[string]resolvedPoint
}

type resolvedPoint struct {
	pointID uint32
	kind    model.Kind
}

func newChannelResolver() *channelResolver {
	return &channelResolver{
		idByName:   map[string]uint16{},
		pointIndex: map[uint16]map[string]resolvedPoint{},
	}
}

// register indexes one channel's name and signal names; call once per
// channel after its points have been loaded from the catalog.
func (r *channelResolver) register(ch *model.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idByName[ch.Name] = ch.ID
	byName := make(map[string]resolvedPoint, len(ch.Points))
	for _, p := range ch.Points {
		if p.SignalName != "" {
			byName[p.SignalName] = resolvedPoint{pointID: p.PointID, kind: p.Kind}
		}
	}
	r.pointIndex[ch.ID] = byName
}

func (r *channelResolver) ChannelIDByName(name string) (uint16, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.idByName[name]
	return id, ok
}

func (r *channelResolver) PointIDByName(channelID uint16, signalName string) (uint32, model.Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byName, ok := r.pointIndex[channelID]
	if !ok {
		return 0, "", false
	}
	p, ok := byName[signalName]
	return p.pointID, p.kind, ok
}

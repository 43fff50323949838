package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/huddlehq/huddle/internal/conference"
	"github.com/huddlehq/huddle/internal/domain"
	"github.com/huddlehq/huddle/internal/media"
)

var errUnknownRole = errors.New("unknown transport role")

func (ctl *Controller) handleJoinRoom(ctx context.Context, uid domain.UserID, connID conference.ConnID, c *wsConn, seq int64, data []byte) {
	var p struct {
		RoomID domain.RoomID `json:"rid"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badPayload(c, seq, err)
		return
	}
	caps, err := ctl.Conference.JoinRoom(ctx, connID, uid, p.RoomID, c)
	if err != nil {
		ctl.fail(c, seq, err)
		return
	}
	ctl.ack(c, seq, struct {
		Capabilities media.Capabilities `json:"rtpCapabilities"`
	}{caps})
}

func (ctl *Controller) handleCreateTransport(ctx context.Context, connID conference.ConnID, c *wsConn, seq int64, data []byte) {
	var p struct {
		Role conference.Role `json:"role"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badPayload(c, seq, err)
		return
	}
	if p.Role != conference.RoleProduce && p.Role != conference.RoleConsume {
		ctl.badPayload(c, seq, errUnknownRole)
		return
	}
	info, err := ctl.Conference.CreateTransport(ctx, connID, p.Role)
	if err != nil {
		ctl.fail(c, seq, err)
		return
	}
	ctl.ack(c, seq, info)
}

func (ctl *Controller) handleTransportConnect(connID conference.ConnID, c *wsConn, seq int64, data []byte) {
	var p struct {
		Params media.ConnectParams `json:"dtlsParams"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badPayload(c, seq, err)
		return
	}
	if err := ctl.Conference.ConnectTransport(connID, p.Params); err != nil {
		ctl.fail(c, seq, err)
		return
	}
	ctl.ack(c, seq, nil)
}

func (ctl *Controller) handleRecvTransportConnect(connID conference.ConnID, c *wsConn, seq int64, data []byte) {
	var p struct {
		TransportID string              `json:"transportId"`
		Params      media.ConnectParams `json:"dtlsParams"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badPayload(c, seq, err)
		return
	}
	if err := ctl.Conference.ConnectRecvTransport(connID, p.TransportID, p.Params); err != nil {
		ctl.fail(c, seq, err)
		return
	}
	ctl.ack(c, seq, nil)
}

func (ctl *Controller) handleProduce(connID conference.ConnID, c *wsConn, seq int64, data []byte) {
	var p struct {
		Kind          media.Kind          `json:"kind"`
		RTPParameters media.RTPParameters `json:"rtpParameters"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badPayload(c, seq, err)
		return
	}
	id, err := ctl.Conference.Produce(connID, p.Kind, p.RTPParameters)
	if err != nil {
		ctl.fail(c, seq, err)
		return
	}
	ctl.ack(c, seq, struct {
		ProducerID string     `json:"producerId"`
		Kind       media.Kind `json:"kind"`
	}{id, p.Kind})
}

func (ctl *Controller) handleInformConsumers(connID conference.ConnID, c *wsConn, seq int64, data []byte) {
	var p struct {
		ProducerID string     `json:"producerId"`
		Kind       media.Kind `json:"kind"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badPayload(c, seq, err)
		return
	}
	if err := ctl.Conference.NotifyNewProducer(connID, p.ProducerID, p.Kind); err != nil {
		ctl.fail(c, seq, err)
		return
	}
	ctl.ack(c, seq, nil)
}

func (ctl *Controller) handleGetProducers(connID conference.ConnID, c *wsConn, seq int64) {
	ids, err := ctl.Conference.ListProducers(connID)
	if err != nil {
		ctl.fail(c, seq, err)
		return
	}
	ctl.ack(c, seq, struct {
		ProducerIDs []string `json:"producerIds"`
	}{ids})
}

func (ctl *Controller) handlePeersExist(connID conference.ConnID, c *wsConn, seq int64) {
	exist, err := ctl.Conference.PeersExist(connID)
	if err != nil {
		ctl.fail(c, seq, err)
		return
	}
	ctl.ack(c, seq, struct {
		PeersExist bool `json:"peersExist"`
	}{exist})
}

func (ctl *Controller) handleConsume(connID conference.ConnID, c *wsConn, seq int64, data []byte) {
	var p struct {
		RTPCapabilities  media.Capabilities `json:"rtpCapabilities"`
		RemoteProducerID string             `json:"remoteProducerId"`
		TransportID      string             `json:"transportId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badPayload(c, seq, err)
		return
	}
	params, err := ctl.Conference.Consume(connID, p.RemoteProducerID, p.RTPCapabilities, p.TransportID)
	if err != nil {
		ctl.fail(c, seq, err)
		return
	}
	ctl.ack(c, seq, params)
}

func (ctl *Controller) handleConsumerResume(connID conference.ConnID, c *wsConn, seq int64, data []byte) {
	var p struct {
		ConsumerID string `json:"consumerId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badPayload(c, seq, err)
		return
	}
	if err := ctl.Conference.ResumeConsumer(connID, p.ConsumerID); err != nil {
		ctl.fail(c, seq, err)
		return
	}
	ctl.ack(c, seq, nil)
}

func (ctl *Controller) handleLeaveRoom(connID conference.ConnID, c *wsConn, seq int64) {
	ctl.Conference.Leave(connID)
	ctl.ack(c, seq, nil)
}

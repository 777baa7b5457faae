// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"

	"github.com/absmach/mlwm2m/pkg/coap"
	"github.com/absmach/mlwm2m/pkg/engine"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Stats summarizes a replay.
type Stats struct {
	// Packets is the number of datagrams fed to the engine.
	Packets int
	// Skipped counts non-UDP packets and datagrams for other ports.
	Skipped int
}

// reply is one datagram sent by the engine during a replay.
type reply struct {
	Peer string
	Msg  *coap.Message
}

// recorder is the engine transport of a replay. Nothing reaches the
// network; datagrams are logged and kept.
type recorder struct {
	logger  *slog.Logger
	replies []reply
}

func (r *recorder) Send(_ context.Context, peer string, data []byte) error {
	msg, err := coap.Parse(data)
	if err != nil {
		return fmt.Errorf("engine sent an invalid datagram: %w", err)
	}
	r.replies = append(r.replies, reply{Peer: peer, Msg: msg})
	r.logger.Info("engine reply",
		slog.String("peer", peer),
		slog.String("message", msg.String()))
	return nil
}

// openCapture reads a pcap or pcapng stream.
func openCapture(r io.Reader) (gopacket.PacketDataSource, layers.LinkType, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read capture header: %w", err)
	}

	// pcapng files start with a section header block.
	if magic[0] == 0x0a && magic[1] == 0x0d && magic[2] == 0x0d && magic[3] == 0x0a {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to open pcapng capture: %w", err)
		}
		return ng, ng.LinkType(), nil
	}

	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open pcap capture: %w", err)
	}
	return pr, pr.LinkType(), nil
}

// replay feeds every UDP datagram addressed to port into eng, in capture
// order.
func replay(ctx context.Context, src gopacket.PacketDataSource, lt layers.LinkType, port uint16, eng *engine.Engine, logger *slog.Logger) (Stats, error) {
	var stats Stats
	ps := gopacket.NewPacketSource(src, lt)

	for {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		packet, err := ps.NextPacket()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read packet %d: %w", stats.Packets+stats.Skipped+1, err)
		}

		udpLayer := packet.Layer(layers.LayerTypeUDP)
		nl := packet.NetworkLayer()
		if udpLayer == nil || nl == nil {
			stats.Skipped++
			continue
		}
		udp := udpLayer.(*layers.UDP)
		if uint16(udp.DstPort) != port || len(udp.Payload) == 0 {
			stats.Skipped++
			continue
		}

		peer := net.JoinHostPort(nl.NetworkFlow().Src().String(), strconv.Itoa(int(udp.SrcPort)))
		logger.Debug("replaying datagram",
			slog.String("peer", peer),
			slog.Time("captured", packet.Metadata().Timestamp),
			slog.Int("size", len(udp.Payload)))

		eng.HandlePacket(ctx, udp.Payload, peer)
		eng.DeliverEvents()
		stats.Packets++
	}
}

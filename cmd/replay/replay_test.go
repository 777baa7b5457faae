// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/absmach/mlwm2m/examples/simple"
	"github.com/absmach/mlwm2m/pkg/coap"
	"github.com/absmach/mlwm2m/pkg/engine"
	"github.com/absmach/mlwm2m/pkg/registry"
	"github.com/absmach/mlwm2m/pkg/store"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

const clientPort = 56830

var serverIP = net.IPv4(192, 0, 2, 1)

// frame builds an Ethernet/IPv4/UDP frame from the server to dstPort.
func frame(t *testing.T, dstPort uint16, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    serverIP,
		DstIP:    net.IPv4(192, 0, 2, 100),
	}
	udp := &layers.UDP{SrcPort: 5683, DstPort: layers.UDPPort(dstPort)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatal(err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

func capture(t *testing.T, frames ...[]byte) *bytes.Buffer {
	t.Helper()
	var out bytes.Buffer
	w := pcapgo.NewWriter(&out)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		t.Fatal(err)
	}
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, f := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Second),
			CaptureLength: len(f),
			Length:        len(f),
		}
		if err := w.WritePacket(ci, f); err != nil {
			t.Fatal(err)
		}
	}
	return &out
}

func read(t *testing.T, mid uint16, path string) []byte {
	t.Helper()
	msg := &coap.Message{Type: message.Confirmable, Code: codes.GET, MessageID: mid, Token: message.Token{0x01}}
	msg.SetPath(path)
	data, err := msg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestReplay(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemory(store.Object{
		ID:        3,
		Instances: []store.Record{{ID: 0, Children: []store.Record{{ID: 9, Value: 87}}}},
	})
	reg := registry.New(registry.Server{
		ShortID:  1,
		Status:   registry.StatusRegistered,
		Peer:     "192.0.2.1:5683",
		Location: "/rd/1",
	})
	h := simple.New(logger, st)
	rec := &recorder{logger: logger}
	eng := engine.New(engine.Config{Logger: logger}, rec, reg, h, h, st)
	h.SetAccessControl(eng)

	pcap := capture(t,
		frame(t, clientPort, read(t, 0x10, "/3/0/9")),
		frame(t, 5684, read(t, 0x11, "/3/0/9")),
		frame(t, clientPort, read(t, 0x12, "/5")),
	)
	src, lt, err := openCapture(pcap)
	if err != nil {
		t.Fatalf("openCapture() error = %v", err)
	}
	if lt != layers.LinkTypeEthernet {
		t.Errorf("link type = %v", lt)
	}

	stats, err := replay(context.Background(), src, lt, clientPort, eng, logger)
	if err != nil {
		t.Fatalf("replay() error = %v", err)
	}
	if stats.Packets != 2 || stats.Skipped != 1 {
		t.Errorf("stats = %+v, want 2 replayed and 1 skipped", stats)
	}

	if len(rec.replies) != 2 {
		t.Fatalf("replies = %d, want 2", len(rec.replies))
	}
	want := []struct {
		mid  uint16
		code codes.Code
	}{{0x10, codes.Content}, {0x12, codes.NotFound}}
	for i, r := range rec.replies {
		if r.Peer != "192.0.2.1:5683" {
			t.Errorf("reply %d peer = %s", i, r.Peer)
		}
		if r.Msg.Type != message.Acknowledgement || r.Msg.MessageID != want[i].mid || r.Msg.Code != want[i].code {
			t.Errorf("reply %d = %s, want ACK %s mid %#x", i, r.Msg, want[i].code, want[i].mid)
		}
	}
}

func TestOpenCapture_Invalid(t *testing.T) {
	if _, _, err := openCapture(bytes.NewReader([]byte{0x00, 0x01})); err == nil {
		t.Error("openCapture() accepted a truncated header")
	}
	if _, _, err := openCapture(bytes.NewReader(bytes.Repeat([]byte{0xff}, 32))); err == nil {
		t.Error("openCapture() accepted an unknown magic")
	}
}

package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/route-beacon/route-feeder/internal/bgp"
	"github.com/route-beacon/route-feeder/internal/kafka"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "kafka":
		dumpKafka(os.Args[2:])
	case "peer":
		dumpPeer(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  debug-routes kafka [broker] [topic]   dump exported route records")
	fmt.Fprintln(os.Stderr, "  debug-routes peer [addr] [asn]        open a BGP session and dump received updates")
}

func dumpKafka(args []string) {
	broker := "localhost:29092"
	topic := "route-feeder.routes"
	if len(args) > 0 {
		broker = args[0]
	}
	if len(args) > 1 {
		topic = args[1]
	}

	cl, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.ConsumerGroup(fmt.Sprintf("debug-routes-%d", time.Now().UnixNano())),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kafka client: %v\n", err)
		os.Exit(1)
	}
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	counts := map[string]int{}
	msgNum := 0
	for {
		fetches := cl.PollRecords(ctx, 100)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			break
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			msgNum++
			var r kafka.RouteRecord
			if err := json.Unmarshal(rec.Value, &r); err != nil {
				fmt.Printf("[%d] partition=%d offset=%d undecodable: %v\n", msgNum, rec.Partition, rec.Offset, err)
				return
			}
			counts[r.Action]++
			fmt.Printf("[%d] %s %s nexthop=%s instance=%s ts=%s\n",
				msgNum, r.Action, r.Prefix, r.Nexthop, r.InstanceID, r.Timestamp.Format(time.RFC3339))
		})

		if msgNum > 0 && len(fetches.Records()) == 0 {
			break
		}
	}

	fmt.Printf("Total records: %d (add=%d withdraw=%d)\n", msgNum, counts[kafka.ActionAdd], counts[kafka.ActionWithdraw])
}

func dumpPeer(args []string) {
	addr := "127.0.0.1:179"
	var asn uint64 = 65535
	if len(args) > 0 {
		addr = args[0]
	}
	if len(args) > 1 {
		if _, err := fmt.Sscan(args[1], &asn); err != nil {
			fmt.Fprintf(os.Stderr, "bad asn %q: %v\n", args[1], err)
			os.Exit(1)
		}
	}

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	// Hold time 0: the feeder never expects keepalives from us.
	open := bgp.EncodeOpen(uint32(asn), 0, netip.MustParseAddr("192.0.2.254"), bgp.AFIIPv4)
	if _, err := conn.Write(open); err != nil {
		fmt.Fprintf(os.Stderr, "write open: %v\n", err)
		os.Exit(1)
	}

	routes := 0
	for msgNum := 1; ; msgNum++ {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		typ, body, err := readMessage(conn)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read: %v\n", err)
			break
		}
		fmt.Printf("=== BGP msg %d type=%d (%d bytes) ===\n", msgNum, typ, len(body)+bgp.HeaderLen)

		switch typ {
		case bgp.MsgTypeOpen:
			o, err := bgp.ParseOpen(body)
			if err != nil {
				fmt.Printf("  ParseOpen error: %v\n", err)
				return
			}
			fmt.Printf("  OPEN asn=%d hold=%d id=%s as4=%v\n", o.ASN, o.HoldTime, o.RouterID, o.FourOctetAS)
			conn.Write(bgp.EncodeKeepalive())
		case bgp.MsgTypeKeepalive:
			fmt.Println("  KEEPALIVE")
		case bgp.MsgTypeNotification:
			n := bgp.ParseNotification(body)
			fmt.Printf("  NOTIFICATION code=%d subcode=%d data=%s\n", n.Code, n.Subcode, hex.EncodeToString(n.Data))
			return
		case bgp.MsgTypeUpdate:
			u, err := bgp.ParseUpdate(body, true)
			if err != nil {
				fmt.Printf("  ParseUpdate error: %v\n", err)
				fmt.Printf("  body hex: %s\n", hex.EncodeToString(body[:min(32, len(body))]))
				continue
			}
			if u.EndOfRIB() {
				fmt.Printf("  End-of-RIB after %d routes\n", routes)
				continue
			}
			announced := append(u.Announced, u.Attrs.MPReachNLRI...)
			withdrawn := append(u.Withdrawn, u.Attrs.MPUnreachNLRI...)
			routes += len(announced)
			nexthop := u.Attrs.Nexthop
			if u.Attrs.MPReachNexthop.IsValid() {
				nexthop = u.Attrs.MPReachNexthop
			}
			fmt.Printf("  announced=%d withdrawn=%d nexthop=%s as_path=%q\n",
				len(announced), len(withdrawn), nexthop, u.Attrs.ASPath)
			for j, p := range announced {
				if j < 5 || j == len(announced)-1 {
					fmt.Printf("    + %s\n", p)
				} else if j == 5 {
					fmt.Printf("    ... (%d more) ...\n", len(announced)-6)
				}
			}
			for _, p := range withdrawn {
				fmt.Printf("    - %s\n", p)
			}
		}
	}
}

func readMessage(r io.Reader) (uint8, []byte, error) {
	hdr := make([]byte, bgp.HeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	length := int(binary.BigEndian.Uint16(hdr[16:18]))
	if length < bgp.HeaderLen || length > bgp.MaxMessageLen {
		return 0, nil, fmt.Errorf("bad message length %d", length)
	}
	body := make([]byte, length-bgp.HeaderLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return hdr[18], body, nil
}

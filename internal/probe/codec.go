package probe

import (
	"fmt"
	"net/netip"

	"Go2NatPeer/internal/model"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// EncodeEvent serializes ev as a protobuf Struct.
func EncodeEvent(ev model.Event) ([]byte, error) {
	ts := timestamppb.New(ev.Timestamp)
	msg, err := structpb.NewStruct(map[string]interface{}{
		"id":          ev.ID,
		"ts_seconds":  ts.GetSeconds(),
		"ts_nanos":    ts.GetNanos(),
		"kind":        string(ev.Kind),
		"stage":       ev.Stage,
		"src_ip":      addrString(ev.Tuple.SrcIP),
		"dst_ip":      addrString(ev.Tuple.DstIP),
		"src_port":    uint32(ev.Tuple.SrcPort),
		"dst_port":    uint32(ev.Tuple.DstPort),
		"proto":       uint32(ev.Tuple.Proto),
		"map_port":    uint32(ev.MapPort),
		"probe_index": ev.ProbeIndex,
		"local_seq":   ev.LocalSeq,
		"remote_seq":  ev.RemoteSeq,
		"message":     ev.Message,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build event message: %w", err)
	}
	return proto.Marshal(msg)
}

// DecodeEvent parses a message written by EncodeEvent.
func DecodeEvent(data []byte) (model.Event, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return model.Event{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	f := msg.GetFields()
	num := func(key string) float64 { return f[key].GetNumberValue() }
	str := func(key string) string { return f[key].GetStringValue() }

	ts := &timestamppb.Timestamp{Seconds: int64(num("ts_seconds")), Nanos: int32(num("ts_nanos"))}
	ev := model.Event{
		ID:         str("id"),
		Timestamp:  ts.AsTime(),
		Kind:       model.EventKind(str("kind")),
		Stage:      str("stage"),
		MapPort:    uint16(num("map_port")),
		ProbeIndex: int(num("probe_index")),
		LocalSeq:   uint32(num("local_seq")),
		RemoteSeq:  uint32(num("remote_seq")),
		Message:    str("message"),
	}
	ev.Tuple.SrcIP, _ = netip.ParseAddr(str("src_ip"))
	ev.Tuple.DstIP, _ = netip.ParseAddr(str("dst_ip"))
	ev.Tuple.SrcPort = uint16(num("src_port"))
	ev.Tuple.DstPort = uint16(num("dst_port"))
	ev.Tuple.Proto = uint8(num("proto"))
	return ev, nil
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}

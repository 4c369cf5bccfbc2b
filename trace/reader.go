// Package trace decodes captures of federate-RTI traffic: it reassembles
// the TCP payload streams in a pcap or pcapng file and decodes the wire
// frames carried on them, for offline protocol inspection.
package trace

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/chanijjani/lingua-franca/wire"
)

// Record is one decoded frame with the flow it was captured on.
type Record struct {
	Src   string // sender, "ip:port"
	Dst   string // receiver, "ip:port"
	Time  time.Time
	Frame *wire.Frame
}

type packetSource interface {
	LinkType() layers.LinkType
	ReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error)
}

// flowState buffers one direction of one TCP connection until complete
// frames can be cut from it.
type flowState struct {
	buf  bytes.Buffer
	dead bool // decoding failed; drop the rest of this flow
}

func detectFormat(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	header := make([]byte, 4)
	if n, err := file.Read(header); err != nil || n < 4 {
		return "pcap", nil // Default to pcap
	}

	// pcapng Section Header Block magic.
	magic := uint32(header[0]) | uint32(header[1])<<8 | uint32(header[2])<<16 | uint32(header[3])<<24
	if magic == 0x0A0D0D0A {
		return "pcapng", nil
	}
	return "pcap", nil
}

func openPacketSource(path string) (packetSource, *os.File, error) {
	format, err := detectFormat(path)
	if err != nil {
		return nil, nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	if format == "pcapng" {
		r, err := pcapgo.NewNgReader(file, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			file.Close()
			return nil, nil, err
		}
		return &ngSource{r}, file, nil
	}

	r, err := pcapgo.NewReader(file)
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	return &classicSource{r}, file, nil
}

type classicSource struct{ r *pcapgo.Reader }

func (s *classicSource) LinkType() layers.LinkType { return s.r.LinkType() }
func (s *classicSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return s.r.ReadPacketData()
}

type ngSource struct{ r *pcapgo.NgReader }

func (s *ngSource) LinkType() layers.LinkType { return s.r.LinkType() }
func (s *ngSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return s.r.ReadPacketData()
}

// ReadCapture decodes every complete frame in the capture, in capture
// order. A flow whose bytes stop decoding (capture loss, mid-stream
// start) is skipped from that point on; a trailing partial frame is not
// an error.
func ReadCapture(path string) ([]Record, error) {
	source, file, err := openPacketSource(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	flows := make(map[string]*flowState)
	var records []Record

	packetSrc := gopacket.NewPacketSource(source, source.LinkType())
	for packet := range packetSrc.Packets() {
		netLayer := packet.NetworkLayer()
		tcpLayer := packet.Layer(layers.LayerTypeTCP)
		if netLayer == nil || tcpLayer == nil {
			continue
		}
		tcp := tcpLayer.(*layers.TCP)
		if len(tcp.Payload) == 0 {
			continue
		}

		src, dst := flowEndpoints(netLayer, tcp)
		key := src + ">" + dst
		fs := flows[key]
		if fs == nil {
			fs = &flowState{}
			flows[key] = fs
		}
		if fs.dead {
			continue
		}

		fs.buf.Write(tcp.Payload)
		ts := packet.Metadata().Timestamp

		for {
			frame, n, err := tryDecode(fs.buf.Bytes())
			if err != nil {
				fs.dead = true
				break
			}
			if frame == nil {
				break // incomplete, wait for more packets
			}
			fs.buf.Next(n)
			records = append(records, Record{Src: src, Dst: dst, Time: ts, Frame: frame})
		}
	}

	if len(records) == 0 && len(flows) == 0 {
		return nil, fmt.Errorf("no TCP payload in %s", path)
	}
	return records, nil
}

// tryDecode attempts to cut one frame off the front of b. It returns
// (nil, 0, nil) when b holds only a prefix of a frame.
func tryDecode(b []byte) (*wire.Frame, int, error) {
	if len(b) == 0 {
		return nil, 0, nil
	}
	r := bytes.NewReader(b)
	frame, err := wire.Read(r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	return frame, len(b) - r.Len(), nil
}

func flowEndpoints(netLayer gopacket.NetworkLayer, tcp *layers.TCP) (src, dst string) {
	var srcIP, dstIP string
	if ipv4, ok := netLayer.(*layers.IPv4); ok {
		srcIP = ipv4.SrcIP.String()
		dstIP = ipv4.DstIP.String()
	} else if ipv6, ok := netLayer.(*layers.IPv6); ok {
		srcIP = ipv6.SrcIP.String()
		dstIP = ipv6.DstIP.String()
	} else {
		srcIP = netLayer.NetworkFlow().Src().String()
		dstIP = netLayer.NetworkFlow().Dst().String()
	}
	return srcIP + ":" + tcp.SrcPort.String(), dstIP + ":" + tcp.DstPort.String()
}

package transport_test

import (
	"context"
	"encoding/binary"
	"math"
	"net"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/BB-84C/nanonis-bridge/internal/transport"
)

// The helpers below speak the same length-prefixed byte format as the
// reference codec (internal/transport/codec.go), replicated here so the test package
// can drive a real socket without reaching into transport's unexported
// encode/decode helpers.

func appendStr(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func readStr(buf []byte) (string, []byte) {
	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	return string(buf[:n]), buf[n:]
}

func readFrame(conn net.Conn) (command string, argCount uint32, rest []byte) {
	var lenBuf [4]byte
	_, err := readFull(conn, lenBuf[:])
	Expect(err).NotTo(HaveOccurred())
	length := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, length)
	_, err = readFull(conn, body)
	Expect(err).NotTo(HaveOccurred())

	cmd, rest := readStr(body)
	count := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	return cmd, count, rest
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// writeFloatResponse writes a success envelope carrying one float payload
// value.
func writeFloatResponse(conn net.Conn, value float64) {
	var body []byte
	body = appendStr(body, "") // error_string
	body = binary.BigEndian.AppendUint32(body, 1)
	body = append(body, 1) // tagFloat
	var fb [8]byte
	binary.BigEndian.PutUint64(fb[:], float64ToBits(value))
	body = append(body, fb[:]...)

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	_, err := conn.Write(frame)
	Expect(err).NotTo(HaveOccurred())
}

func writeErrorResponse(conn net.Conn, message string) {
	var body []byte
	body = appendStr(body, message)
	body = binary.BigEndian.AppendUint32(body, 0)
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	_, err := conn.Write(frame)
	Expect(err).NotTo(HaveOccurred())
}

func float64ToBits(f float64) uint64 {
	return math.Float64bits(f)
}

var _ = Describe("Transport", func() {
	var (
		ln  net.Listener
		cfg transport.Config
		ctx context.Context
	)

	BeforeEach(func() {
		var err error
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())

		host, portStr, err := net.SplitHostPort(ln.Addr().String())
		Expect(err).NotTo(HaveOccurred())
		port, err := strconv.Atoi(portStr)
		Expect(err).NotTo(HaveOccurred())

		cfg = transport.Config{
			Host:       host,
			Ports:      []int{port},
			Timeout:    2 * time.Second,
			RetryCount: 0,
		}
		ctx = context.Background()
	})

	AfterEach(func() {
		_ = ln.Close()
	})

	It("connects via a probe command and issues subsequent calls", func() {
		serverDone := make(chan struct{})
		go func() {
			defer close(serverDone)
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()

			// probe call
			_, _, _ = readFrame(conn)
			writeFloatResponse(conn, 1.23)

			// real call
			_, _, _ = readFrame(conn)
			writeFloatResponse(conn, 4.56)
		}()

		tr, err := transport.New(cfg, nil)
		Expect(err).NotTo(HaveOccurred())

		Expect(tr.Connect(ctx)).To(Succeed())
		Expect(tr.Endpoint()).NotTo(BeEmpty())

		resp, err := tr.Call(ctx, "Bias.Get", nil, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Value).NotTo(BeNil())
		Expect(resp.Value.Float()).To(Equal(4.56))

		<-serverDone
		Expect(tr.Close()).To(Succeed())
	})

	It("maps a non-empty error_string to ControllerError", func() {
		serverDone := make(chan struct{})
		go func() {
			defer close(serverDone)
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
			_, _, _ = readFrame(conn)
			writeFloatResponse(conn, 0) // probe succeeds

			_, _, _ = readFrame(conn)
			writeErrorResponse(conn, "channel out of range")
		}()

		tr, err := transport.New(cfg, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(tr.Connect(ctx)).To(Succeed())

		_, err = tr.Call(ctx, "Bias.Set", nil, nil)
		Expect(err).To(HaveOccurred())
		var controllerErr *transport.ControllerError
		Expect(err).To(BeAssignableToTypeOf(controllerErr))

		<-serverDone
	})

	It("fails to connect when nothing listens on the candidate ports", func() {
		Expect(ln.Close()).To(Succeed())

		tr, err := transport.New(cfg, nil)
		Expect(err).NotTo(HaveOccurred())

		err = tr.Connect(ctx)
		Expect(err).To(HaveOccurred())
		var connErr *transport.ConnectionError
		Expect(err).To(BeAssignableToTypeOf(connErr))
	})
})

var _ = Describe("New", func() {
	It("rejects an empty host", func() {
		_, err := transport.New(transport.Config{Ports: []int{1}, Timeout: time.Second}, nil)
		Expect(err).To(HaveOccurred())
	})

	It("rejects a non-positive timeout", func() {
		_, err := transport.New(transport.Config{Host: "x", Ports: []int{1}}, nil)
		Expect(err).To(HaveOccurred())
	})

	It("rejects an empty port list", func() {
		_, err := transport.New(transport.Config{Host: "x", Timeout: time.Second}, nil)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("WireValue coercion", func() {
	It("coerces floats, ints, and bools across kinds", func() {
		v, err := transport.CoerceWireValue("cmd", "arg", transport.WireFloat, 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(v.Float()).To(Equal(3.0))

		v, err = transport.CoerceWireValue("cmd", "arg", transport.WireInt, 3.0)
		Expect(err).NotTo(HaveOccurred())
		Expect(v.Int()).To(Equal(int64(3)))

		_, err = transport.CoerceWireValue("cmd", "arg", transport.WireInt, 3.5)
		Expect(err).To(HaveOccurred())

		v, err = transport.CoerceWireValue("cmd", "arg", transport.WireBool, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(v.Bool()).To(BeTrue())

		_, err = transport.CoerceWireValue("cmd", "arg", transport.WireStr, 3)
		Expect(err).To(HaveOccurred())
	})
})

package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	flute "github.com/samsamfire/goflute"
	log "github.com/sirupsen/logrus"
)

var DEFAULT_ADDRESS = "224.0.0.96"
var DEFAULT_PORT = 3400
var DEFAULT_TSI = 1

func main() {
	log.SetLevel(log.InfoLevel)
	address := flag.String("a", DEFAULT_ADDRESS, "multicast group or unicast address")
	port := flag.Int("p", DEFAULT_PORT, "udp port")
	tsi := flag.Int("t", DEFAULT_TSI, "transport session identifier")
	configPath := flag.String("c", "", "optional ini configuration file")
	destination := flag.String("d", ".", "destination directory (receive mode)")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("usage: flute [flags] send <files...> | receive")
		os.Exit(1)
	}

	senderConfig := flute.NewSenderConfig()
	receiverConfig := flute.NewReceiverConfig()
	oti := flute.NewOti()
	if *configPath != "" {
		var err error
		var loadedOti *flute.Oti
		senderConfig, receiverConfig, loadedOti, err = flute.LoadConfig(*configPath)
		if err != nil {
			fmt.Printf("could not load configuration %v : %v\n", *configPath, err)
			os.Exit(1)
		}
		oti = *loadedOti
	}

	endpoint := flute.NewUDPEndpoint("", *address, uint16(*port))
	switch flag.Arg(0) {
	case "send":
		runSender(endpoint, uint64(*tsi), &oti, senderConfig, flag.Args()[1:])
	case "receive":
		runReceiver(endpoint, receiverConfig, *destination)
	default:
		fmt.Printf("unknown mode %v\n", flag.Arg(0))
		os.Exit(1)
	}
}

func runSender(endpoint flute.UDPEndpoint, tsi uint64, oti *flute.Oti, config *flute.SenderConfig, paths []string) {
	if len(paths) == 0 {
		fmt.Println("send mode needs at least one file")
		os.Exit(1)
	}
	sender, err := flute.NewSender(endpoint, tsi, oti, config)
	if err != nil {
		fmt.Printf("could not create sender : %v\n", err)
		os.Exit(1)
	}
	addr, err := endpoint.UDPAddr()
	if err != nil {
		fmt.Printf("bad endpoint : %v\n", err)
		os.Exit(1)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		fmt.Printf("could not open socket : %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()
	writer := &flute.UDPWriter{Conn: conn}

	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			fmt.Printf("could not read %v : %v\n", path, err)
			os.Exit(1)
		}
		obj := flute.NewObjectDescFromBuffer(content, "file:///"+path, "application/octet-stream", flute.CENC_NULL)
		obj.CarouselRepeat = flute.RepeatDelayBetweenTransfers(time.Second)
		if _, err := sender.AddObject(time.Now(), obj); err != nil {
			fmt.Printf("could not add %v : %v\n", path, err)
			os.Exit(1)
		}
	}
	if err := sender.Publish(time.Now()); err != nil {
		fmt.Printf("could not publish FDT : %v\n", err)
		os.Exit(1)
	}

	// The application paces emission; the engine itself never blocks
	for {
		pkt := sender.Read(time.Now())
		if pkt == nil {
			time.Sleep(time.Millisecond)
			continue
		}
		if err := writer.WritePacket(pkt); err != nil {
			log.Warnf("send failed: %v", err)
		}
	}
}

func runReceiver(endpoint flute.UDPEndpoint, config *flute.ReceiverConfig, destination string) {
	receiver, err := flute.NewReceiver(flute.NewFilesystemWriter(destination), config)
	if err != nil {
		fmt.Printf("could not create receiver : %v\n", err)
		os.Exit(1)
	}
	addr, err := endpoint.UDPAddr()
	if err != nil {
		fmt.Printf("bad endpoint : %v\n", err)
		os.Exit(1)
	}
	var conn *net.UDPConn
	if addr.IP.IsMulticast() {
		conn, err = net.ListenMulticastUDP("udp", nil, addr)
	} else {
		conn, err = net.ListenUDP("udp", addr)
	}
	if err != nil {
		fmt.Printf("could not open socket : %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	buffer := make([]byte, 65536)
	lastCleanup := time.Now()
	for {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, source, err := conn.ReadFromUDP(buffer)
		now := time.Now()
		if err == nil {
			from := flute.NewUDPEndpoint(source.IP.String(), endpoint.DestAddress, endpoint.Port)
			receiver.Push(from, buffer[:n], now)
		}
		if now.Sub(lastCleanup) > time.Second {
			receiver.Cleanup(now)
			lastCleanup = now
		}
	}
}

// Command breakoutsim drives one Facade against a real modem TTY, for
// manual bring-up and smoke testing of the SDK outside a full embedded
// build. Grounded on matrix-org-lb/cmd/coap/main.go's flag-parsing and
// Usage idiom.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	goserial "github.com/daedaluz/goserial"
	"github.com/sirupsen/logrus"

	"github.com/twilio/breakout-sdk-go/facade"
	"github.com/twilio/breakout-sdk-go/network"
	"github.com/twilio/breakout-sdk-go/serial"
)

var (
	flagDevice      string
	flagBaud        int
	flagServerIP    string
	flagServerPort  int
	flagPlaintext   bool
	flagPurpose     string
	flagPSKHex      string
	flagPollSeconds int
	flagSendText    string
	flagVerbose     bool
)

func init() {
	flag.StringVar(&flagDevice, "device", "/dev/ttyUSB0", "modem TTY device")
	flag.IntVar(&flagBaud, "baud", 115200, "modem TTY baud rate")
	flag.StringVar(&flagServerIP, "server", "", "CoAP server IPv4 literal (required)")
	flag.IntVar(&flagServerPort, "port", 0, "CoAP server port (0 selects the transport default)")
	flag.BoolVar(&flagPlaintext, "plaintext", false, "use plaintext CoAP instead of DTLS-PSK")
	flag.StringVar(&flagPurpose, "purpose", "breakoutsim", "SDK purpose string")
	flag.StringVar(&flagPSKHex, "psk", "", "32 hex digit PSK key")
	flag.IntVar(&flagPollSeconds, "poll", 60, "Heartbeats polling interval in seconds, 0 disables")
	flag.StringVar(&flagSendText, "send", "", "send this text command once connected, then keep spinning")
	flag.BoolVar(&flagVerbose, "v", false, "verbose logging")
}

func usage() {
	fmt.Fprintf(os.Stderr, "breakoutsim: exercise the Breakout SDK facade against a real modem\n\n")
	fmt.Fprintf(os.Stderr, "Usage:\n  breakoutsim -server <ip> -psk <32 hex digits> [flags]\n\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if flagServerIP == "" {
		usage()
		os.Exit(2)
	}

	log := logrus.New()
	if flagVerbose {
		log.SetLevel(logrus.DebugLevel)
	}

	baud, err := baudFlag(flagBaud)
	if err != nil {
		log.Fatalf("breakoutsim: %v", err)
	}
	tty, err := serial.OpenTTY(flagDevice, baud)
	if err != nil {
		log.Fatalf("breakoutsim: opening %s: %v", flagDevice, err)
	}
	defer tty.Close()

	f := facade.New(nil)
	f.Log = log
	if err := f.SetPurpose(flagPurpose); err != nil {
		log.Fatalf("breakoutsim: %v", err)
	}
	if flagPSKHex != "" {
		if err := f.SetPSKKey(flagPSKHex); err != nil {
			log.Fatalf("breakoutsim: %v", err)
		}
	}
	f.SetPollingInterval(time.Duration(flagPollSeconds) * time.Second)
	f.SetConnectionStatusHandler(func(status facade.ConnectionStatus) {
		log.Infof("breakoutsim: connection status -> %s", status)
	})
	f.SetCommandHandler(func(data []byte, isBinary bool) {
		log.Infof("breakoutsim: received command (binary=%v): %q", isBinary, data)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	opts := facade.PowerUpOptions{
		ServerIP:   flagServerIP,
		ServerPort: flagServerPort,
		UseDTLS:    !flagPlaintext,
		Provision:  network.Plan{},
	}
	if err := f.PowerModuleOn(ctx, tty, opts); err != nil {
		log.Fatalf("breakoutsim: power-up failed: %v", err)
	}
	log.Infof("breakoutsim: connected, status=%s", f.GetConnectionStatus())

	if flagSendText != "" {
		if result := f.SendTextCommand(flagSendText); result != facade.SendOK {
			log.Errorf("breakoutsim: send failed: %s", result)
		}
	}

	spinCtx := context.Background()
	for {
		f.Spin(spinCtx)
		time.Sleep(50 * time.Millisecond)
	}
}

func baudFlag(n int) (goserial.CFlag, error) {
	switch n {
	case 9600:
		return goserial.B9600, nil
	case 19200:
		return goserial.B19200, nil
	case 38400:
		return goserial.B38400, nil
	case 57600:
		return goserial.B57600, nil
	case 115200:
		return goserial.B115200, nil
	default:
		return 0, fmt.Errorf("unsupported baud rate %d", n)
	}
}

package console

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/abiosoft/ishell/v2"
	"github.com/dbehnke/pocketqube-comms/internal/flash"
	"github.com/dbehnke/pocketqube-comms/internal/settings"
)

const consoleKey = "$console"

// NewShell creates an interactive shell running the console commands.
func NewShell(c *Console) *ishell.Shell {
	sh := ishell.New()
	sh.Set(consoleKey, c)
	sh.SetPrompt("obc > ")
	for _, cmd := range commands {
		sh.AddCmd(cmd)
	}
	return sh
}

// From gets the Console from an ishell context.
func From(c *ishell.Context) *Console {
	return c.Get(consoleKey).(*Console)
}

func parseByte(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid byte %q", s)
	}
	return byte(v), nil
}

func parseAddress(s string) (flash.Address, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return flash.Address(v), nil
}

func parseLength(args []string, i int) (int, error) {
	if len(args) <= i {
		return 16, nil
	}
	v, err := strconv.ParseUint(args[i], 0, 31)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid length %q", args[i])
	}
	return int(v), nil
}

// printer runs a console command that prints into a buffer.
func printer(fn func(*Console, *strings.Builder) error) func(*ishell.Context) {
	return func(c *ishell.Context) {
		var b strings.Builder
		if err := fn(From(c), &b); err != nil {
			c.Err(err)
			return
		}
		c.Print(b.String())
	}
}

func printActions(c *ishell.Context, actions []string) {
	if len(actions) == 0 {
		c.Println("OK")
		return
	}
	for _, a := range actions {
		c.Println(a)
	}
}

// parseTelemetry reads key=value pairs over the stored snapshot.
func parseTelemetry(t settings.Telemetry, args []string) (settings.Telemetry, error) {
	for _, a := range args {
		key, val, ok := strings.Cut(a, "=")
		if !ok {
			return t, fmt.Errorf("expected key=value, got %q", a)
		}
		switch {
		case key == "voltage" || key == "current" || key == "battery":
			v, err := parseByte(val)
			if err != nil {
				return t, err
			}
			switch key {
			case "voltage":
				t.Voltage = v
			case "current":
				t.Current = v
			default:
				t.BatteryLevel = v
			}
		case strings.HasPrefix(key, "t"):
			i, err := strconv.Atoi(key[1:])
			if err != nil || i < 0 || i >= settings.TemperatureSensors {
				return t, fmt.Errorf("unknown telemetry field %q", key)
			}
			v, err := strconv.ParseInt(val, 0, 8)
			if err != nil {
				return t, fmt.Errorf("invalid temperature %q", val)
			}
			t.Temperatures[i] = int8(v)
		default:
			return t, fmt.Errorf("unknown telemetry field %q", key)
		}
	}
	return t, nil
}

var commands = []*ishell.Cmd{
	{
		Name: "zones",
		Help: "print the address map",
		Func: printer(func(con *Console, b *strings.Builder) error {
			con.Zones(b)
			return nil
		}),
	},
	{
		Name: "counters",
		Help: "print the transfer window counters",
		Func: printer(func(con *Console, b *strings.Builder) error { return con.Counters(b) }),
	},
	{
		Name: "config",
		Help: "print the link configuration",
		Func: printer(func(con *Console, b *strings.Builder) error { return con.Config(b) }),
	},
	{
		Name: "calibration",
		Help: "print the calibration constants",
		Func: printer(func(con *Console, b *strings.Builder) error { return con.Calibration(b) }),
	},
	{
		Name:    "telemetry",
		Aliases: []string{"tm"},
		Help:    "[voltage=N current=N battery=N tI=N ...] print or update the telemetry snapshot",
		Func: func(c *ishell.Context) {
			con := From(c)
			if len(c.Args) > 0 {
				t, err := con.settings.Telemetry()
				if err != nil {
					c.Err(err)
					return
				}
				if t, err = parseTelemetry(t, c.Args); err != nil {
					c.Err(err)
					return
				}
				if err := con.SaveTelemetry(t); err != nil {
					c.Err(err)
					return
				}
			}
			var b strings.Builder
			if err := con.Telemetry(&b); err != nil {
				c.Err(err)
				return
			}
			c.Print(b.String())
		},
	},
	{
		Name: "read",
		Help: "ADDR [LEN] dump flash, voting redundant addresses",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 1 {
				c.Err(fmt.Errorf("address expected"))
				return
			}
			addr, err := parseAddress(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			n, err := parseLength(c.Args, 1)
			if err != nil {
				c.Err(err)
				return
			}
			data, err := From(c).Read(addr, n)
			if err != nil {
				c.Err(err)
				return
			}
			c.Print(hex.Dump(data))
		},
	},
	{
		Name: "mirrors",
		Help: "ADDR [LEN] dump the three mirrors of a redundant address",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 1 {
				c.Err(fmt.Errorf("address expected"))
				return
			}
			addr, err := parseAddress(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			n, err := parseLength(c.Args, 1)
			if err != nil {
				c.Err(err)
				return
			}
			mirrors, err := From(c).Mirrors(addr, n)
			if err != nil {
				c.Err(err)
				return
			}
			for i, m := range mirrors {
				c.Printf("mirror %d: %s\n", i+1, hex.EncodeToString(m))
			}
		},
	},
	{
		Name: "corrupt",
		Help: "ADDR MIRROR BYTE... overwrite one mirror of a redundant address",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 3 {
				c.Err(fmt.Errorf("address, mirror and data expected"))
				return
			}
			addr, err := parseAddress(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			mirror, err := strconv.Atoi(c.Args[1])
			if err != nil {
				c.Err(fmt.Errorf("invalid mirror %q", c.Args[1]))
				return
			}
			data := make([]byte, 0, len(c.Args)-2)
			for _, a := range c.Args[2:] {
				v, err := parseByte(a)
				if err != nil {
					c.Err(err)
					return
				}
				data = append(data, v)
			}
			if err := From(c).Corrupt(addr, mirror, data); err != nil {
				c.Err(err)
				return
			}
			c.Println("OK")
		},
	},
	{
		Name: "scrub",
		Help: "ADDR [LEN] rewrite a redundant range whose mirrors disagree",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 1 {
				c.Err(fmt.Errorf("address expected"))
				return
			}
			addr, err := parseAddress(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			n, err := parseLength(c.Args, 1)
			if err != nil {
				c.Err(err)
				return
			}
			fixed, err := From(c).Scrub(addr, n)
			if err != nil {
				c.Err(err)
				return
			}
			if fixed {
				c.Println("rewritten")
			} else {
				c.Println("mirrors agree")
			}
		},
	},
	{
		Name: "tc",
		Help: "OPCODE [BYTE...] apply a telecommand, e.g. tc SET_SF 5",
		Func: func(c *ishell.Context) {
			frame, err := ParseFrame(c.Args)
			if err != nil {
				c.Err(err)
				return
			}
			actions, err := From(c).Telecommand(frame)
			if err != nil {
				c.Err(err)
				return
			}
			printActions(c, actions)
		},
	},
	{
		Name: "contingency",
		Help: "on|off restrict telecommands to receive-only operation",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 || (c.Args[0] != "on" && c.Args[0] != "off") {
				c.Err(fmt.Errorf("on or off expected"))
				return
			}
			From(c).SetContingency(c.Args[0] == "on")
			c.Println("OK")
		},
	},
	{
		Name: "ingest",
		Help: "FILE store a capture in the payload zone",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(fmt.Errorf("file expected"))
				return
			}
			actions, err := From(c).Ingest(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			printActions(c, actions)
		},
	},
}

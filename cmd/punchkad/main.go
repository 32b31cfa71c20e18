package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"

	"github.com/punchkad/punchkad/peer"
	"github.com/punchkad/punchkad/peer/impl"
	"github.com/punchkad/punchkad/transport/udp"
	"github.com/punchkad/punchkad/types"
)

func main() {
	app := &cli.App{
		Name:  "punchkad",
		Usage: "Kademlia DHT node with NAT hole punching",
		Flags: []cli.Flag{
			&cli.UintFlag{
				Name:  "port",
				Usage: "UDP port to listen on",
				Value: 4000,
			},
			&cli.StringFlag{
				Name:  "bootstrap",
				Usage: "bootstrap endpoint as ip:port",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "zerolog level (trace..disabled)",
				Value: "info",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) {
	viper.SetConfigName("punchkad")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.punchkad")
	if path != "" {
		viper.SetConfigFile(path)
	}

	viper.SetDefault("maintenance_interval", peer.DefaultMaintenanceInterval)
	viper.SetDefault("record_ttl", peer.DefaultRecordTTL)
	viper.SetDefault("stun_servers", []string{})

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; everything has defaults.
		log.Debug().Msgf("[main] no config file loaded: %s", err.Error())
	}
}

func run(c *cli.Context) error {
	level, err := zerolog.ParseLevel(c.String("log-level"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("bad log level: %s", err), 1)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)

	loadConfig(c.String("config"))

	socket, err := udp.NewUDP().CreateSocket(fmt.Sprintf("0.0.0.0:%d", c.Uint("port")))
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to bind port %d: %s", c.Uint("port"), err), 1)
	}

	node := impl.NewPeer(peer.Configuration{
		Socket:              socket,
		StunServers:         viper.GetStringSlice("stun_servers"),
		MaintenanceInterval: viper.GetDuration("maintenance_interval"),
		RecordTTL:           viper.GetDuration("record_ttl"),
	})

	if err := node.Start(); err != nil {
		return cli.Exit(fmt.Sprintf("failed to start node: %s", err), 1)
	}
	defer node.Stop()

	local := node.GetLocalPeer()

	fmt.Println("Kademlia DHT with Hole Punching")
	fmt.Println("===============================")
	fmt.Printf("Node started with ID: %s\n", local.ID)
	fmt.Printf("Listening on %s\n", socket.GetAddress())

	fmt.Printf("Detected NAT type: %s\n", node.DetectNATType())
	if ip, port, err := node.PublicEndpoint(); err == nil {
		fmt.Printf("Public endpoint: %s:%d\n", ip, port)
	} else {
		fmt.Println("Failed to get public endpoint")
	}

	if bootstrap := c.String("bootstrap"); bootstrap != "" {
		fmt.Printf("Bootstrapping from %s\n", bootstrap)
		if err := node.Bootstrap(bootstrap); err != nil {
			log.Warn().Msgf("[main] bootstrap failed: %s", err.Error())
		}
	} else {
		fmt.Println("Running as a bootstrap node")
	}

	printHelp()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	for {
		fmt.Print("> ")

		select {
		case <-sigs:
			fmt.Println("\nReceived interrupt, shutting down...")
			return nil

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if !execute(node, line) {
				return nil
			}
		}
	}
}

func printHelp() {
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  store <key> <value>  - Store a key-value pair")
	fmt.Println("  get <key>            - Get a value by key")
	fmt.Println("  find <nodeID>        - Find the closest nodes to a node ID")
	fmt.Println("  ping <nodeID>        - Ping a node")
	fmt.Println("  connect <nodeID>     - Connect to a node using hole punching")
	fmt.Println("  register <ip:port>   - Register with a rendezvous server")
	fmt.Println("  info                 - Show node information")
	fmt.Println("  quit                 - Quit the application")
}

// execute runs one interactive command. It returns false when the node
// should shut down.
func execute(node peer.Peer, line string) bool {
	fields := strings.Fields(line)
	command, args := fields[0], fields[1:]

	switch command {
	case "store":
		if len(args) < 2 {
			fmt.Println("Usage: store <key> <value>")
			return true
		}
		key := types.KeyFromString(args[0])
		if err := node.Store(key, []byte(args[1])); err != nil {
			fmt.Printf("Failed to store: %s\n", err)
		} else {
			fmt.Printf("Stored successfully: %s\n", args[1])
		}

	case "get":
		if len(args) < 1 {
			fmt.Println("Usage: get <key>")
			return true
		}
		value, err := node.FindValue(types.KeyFromString(args[0]))
		if err != nil {
			fmt.Println("Value not found")
		} else {
			fmt.Printf("Found value: %s\n", value)
		}

	case "find":
		target, err := parseID(args, "find <nodeID>")
		if err != nil {
			return true
		}
		peers, err := node.FindNode(target)
		if err != nil {
			fmt.Printf("Failed to find nodes: %s\n", err)
			return true
		}
		fmt.Printf("Found %d nodes:\n", len(peers))
		for _, p := range peers {
			fmt.Printf("  %s\n", p)
		}

	case "ping":
		target, err := parseID(args, "ping <nodeID>")
		if err != nil {
			return true
		}
		p, ok := node.GetPeer(target)
		if !ok {
			fmt.Println("Node not found in routing table")
			return true
		}
		if node.Ping(p) {
			fmt.Println("Ping successful")
		} else {
			fmt.Println("Ping failed")
		}

	case "connect":
		target, err := parseID(args, "connect <nodeID>")
		if err != nil {
			return true
		}
		p, ok := node.GetPeer(target)
		if !ok {
			fmt.Println("Node not found in routing table")
			return true
		}
		ip, port, err := node.Punch(p)
		if err != nil {
			fmt.Println("Failed to establish connection")
		} else {
			fmt.Printf("Connection established with %s:%d\n", ip, port)
		}

	case "register":
		if len(args) < 1 {
			fmt.Println("Usage: register <ip:port>")
			return true
		}
		ip, port, err := types.ParseAddress(args[0])
		if err != nil {
			fmt.Printf("Bad address: %s\n", err)
			return true
		}
		if err := node.RegisterRendezvous(ip, port); err != nil {
			fmt.Printf("Registration failed: %s\n", err)
		} else {
			fmt.Println("Registered")
		}

	case "info":
		printInfo(node)

	case "quit":
		return false

	default:
		fmt.Printf("Unknown command: %s\n", command)
	}

	return true
}

func parseID(args []string, usage string) (types.ID, error) {
	if len(args) < 1 {
		fmt.Printf("Usage: %s\n", usage)
		return types.ID{}, fmt.Errorf("missing argument")
	}
	id, err := types.IDFromHex(args[0])
	if err != nil {
		fmt.Printf("Bad node ID: %s\n", err)
		return types.ID{}, err
	}
	return id, nil
}

func printInfo(node peer.Peer) {
	local := node.GetLocalPeer()
	fmt.Printf("Node ID: %s\n", local.ID)
	fmt.Printf("Local endpoint: %s:%d\n", local.IP, local.Port)

	if ip, port, err := node.PublicEndpoint(); err == nil {
		fmt.Printf("Public endpoint: %s:%d\n", ip, port)
	} else {
		fmt.Println("Public endpoint: Unknown")
	}

	fmt.Printf("NAT type: %s\n", node.ConnectionInfo().NATType)

	peers := node.GetRoutingPeers()
	fmt.Printf("Routing table: %d nodes\n", len(peers))
	for _, p := range peers {
		fmt.Printf("  %s\n", p)
	}
}

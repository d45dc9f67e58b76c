package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/solcopilot/autopilot/config"
	"github.com/solcopilot/autopilot/internal/types"
)

var owner string
var kind string

func main() {
	flag.StringVar(&owner, "owner", "", "owner wallet address")
	flag.StringVar(&kind, "kind", "dca", "automation kind")
	flag.Parse()

	if owner == "" {
		panic("owner address is required")
	}

	cfg, err := config.GetConfigure()
	if err != nil {
		panic(err)
	}

	reader := bufio.NewReader(os.Stdin)
	fmt.Print("Enter source mint (or symbol): ")
	sourceMint := readLine(reader)

	fmt.Print("Enter destination mint (or symbol): ")
	destMint := readLine(reader)

	fmt.Print("Enter amount per cycle (base units): ")
	amount, err := strconv.ParseUint(readLine(reader), 10, 64)
	if err != nil {
		panic(err)
	}

	fmt.Print("Enter frequency in seconds (0 for trigger-based): ")
	frequency, err := strconv.ParseInt(readLine(reader), 10, 64)
	if err != nil {
		panic(err)
	}

	fmt.Print("Enter total cycles (0 for unbounded): ")
	cycles, err := strconv.ParseUint(readLine(reader), 10, 16)
	if err != nil {
		panic(err)
	}

	req := types.AutomationCreateRequest{
		OwnerAddress:     owner,
		Kind:             types.AutomationKind(kind),
		SourceMint:       sourceMint,
		DestMint:         destMint,
		AmountPerCycle:   amount,
		FrequencySeconds: frequency,
		TotalCycles:      uint16(cycles),
		MaxSlippageBps:   50,
	}

	reqBytes, err := json.Marshal(req)
	if err != nil {
		panic(err)
	}

	serverHost := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("Creating automation on server: %s\n", serverHost)

	resp, err := http.Post(fmt.Sprintf("%s/automation", serverHost), "application/json", bytes.NewBuffer(reqBytes))
	if err != nil {
		panic(err)
	}
	defer resp.Body.Close()
	fmt.Printf("Request sent: %d\n", resp.StatusCode)

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		pretty, _ := json.MarshalIndent(body, "", "  ")
		fmt.Println(string(pretty))
	}
}

func readLine(reader *bufio.Reader) string {
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}

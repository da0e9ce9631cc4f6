// Command meterctl connects to a Bluetooth audio meter, keeps its channel
// configuration in sync and prints the level stream.
//
// Prerequisites for the BlueZ transport
//   - Linux with bluetoothd running and system D-Bus access.
//   - The meter paired beforehand (bluetoothctl pair XX:XX:XX:XX:XX:XX).
//   - RegisterProfile usually needs root.
//
// Examples
//
//	meterctl scan --timeout 15s
//	meterctl run --address AA:BB:CC:DD:EE:FF
//	meterctl run --transport tcp --address 127.0.0.1:7001 --http :8080
//	meterctl channels set 1 ppm --hold 1500ms
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

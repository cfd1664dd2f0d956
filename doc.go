// Package sensorlog implements a sensor telemetry ingestion pipeline: a
// line-delimited JSON-over-TCP protocol between sensor clients and a
// central server, backed by a rotating, query-able append-only log store.
//
// Readings are buffered in memory, flushed to a CSV active segment, and
// sealed into compressed archives under time, size and line-count rotation
// policies with retention-based pruning. Range queries scan live segments
// and archives lazily.
//
// # Basic Usage
//
// Open a store and start the ingestion server:
//
//	store, err := sensorlog.OpenStore(sensorlog.DefaultConfig("logs").Store)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	srv := sensorlog.NewServer(sensorlog.ServerConfig{Address: ":5555"}, store)
//	if err := srv.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Stop()
//
// Send readings from a sensor:
//
//	client := sensorlog.NewClient(sensorlog.ClientConfig{Host: "localhost", Port: 5555})
//	ok := client.Send(sensorlog.Reading{
//	    Timestamp: time.Now(),
//	    SensorID:  "temp1",
//	    Value:     23.5,
//	    Unit:      "C",
//	})
//
// Query a time range:
//
//	readings, err := store.Execute(sensorlog.Query{
//	    Start:    time.Now().Add(-time.Hour),
//	    End:      time.Now(),
//	    SensorID: "temp1",
//	})
//
// The wire protocol carries one reading per connection as a single
// newline-terminated JSON object, acknowledged with "ACK\n". Delivery is
// at-least-once: the client retries on any missing or invalid
// acknowledgment, and duplicates are permitted in the store.
package sensorlog

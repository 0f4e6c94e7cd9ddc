// Package kafka connects the actor layer to Kafka: a consumer group that feeds
// broadcast envelopes into local actors, and a frame forwarder that publishes
// inbound client frames for domain services to consume.
package kafka

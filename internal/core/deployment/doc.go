// Package deployment provides pure functions that turn a tested image and an
// optional stack file service into the swarm service spec used when a
// service does not exist yet.
//
// # Functions
//
//   - Naming: normalize service names and expand environment URLs (ServiceName, EnvironmentURL)
//   - Ports: parse publish specs and convert stack file ports (ParsePortSpecs, ConvertPorts, MergePorts)
//   - Service: build the swarm service spec (BuildServiceSpec)
//
// # Usage
//
// The imperative shell (internal/shell/swarm) calls BuildServiceSpec only on
// the create branch of an upsert; updates touch the image alone.
//
//	spec, err := deployment.BuildServiceSpec(params)
package deployment

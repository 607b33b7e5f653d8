/*
Package hub provides the device lifecycle and messaging plane of the
Edgeberry Device Hub.

It contains the identity store, the certificate authority, the provisioning
broker, the twin engine, the application gateway and the name translator.
The services attach to an off-the-shelf mTLS MQTT broker as privileged
clients; they do not implement the broker themselves. A local IPC bus wires
the services together so the gateway can serve REST calls without
traversing the broker.
*/
package hub

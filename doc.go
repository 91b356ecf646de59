/*
	Copyright the hostmux authors

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

/*
Package hostmux provides a multi-tenant HTTP(S) server that routes requests to pluggable
backend processors based on virtual-host and path configuration.

Basics

hostmux stands up one http.Server per configured Binding (an interface/port, optionally
TLS). Each Binding aggregates one or more Sites. A Site is a virtual host: a set of
hostnames, a web root, and an ordered list of HandlerRef entries, each pairing a URL
match pattern with a configured Processor.

Three Processor strategies are provided: StaticProcessor serves files from the site's
web root through a FileCache, PHPProcessor forwards requests over FastCGI to an external
php-cgi worker process, and ProxyProcessor reverse-proxies to an upstream selected by a
LoadBalancer.

PHP workers are external processes. Each configured worker descriptor drives one
WorkerSupervisor which launches the executable bound to a dynamically allocated local
port, monitors its health, and restarts it when it dies. Concurrent requests into one
worker are bounded by an AdmissionPool sized to the worker's configured capacity.

The composed routing tables, processors, supervisors and cache for one configuration
generation live in a RunningState. Exactly one RunningState is current at a time; the
Coordinator swaps it atomically on configuration change, giving in-flight requests a
grace period against the outgoing generation. Requests never observe a partially
updated state.

Dispatch walks a site's handler list in configured order and invokes the first enabled
processor whose pattern matches the request path. A failing handler is skipped and the
next matching handler is tried; when none succeed the dispatcher synthesizes the
terminal response itself.
*/
package hostmux

// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package queue carries best-effort "run enqueued" wake-up hints to
// workers over AMQP. The store remains the source of truth: a worker that
// misses a message still finds the run by polling, and publish failures
// are never fatal to the state transition that triggered them.
package queue

import (
	"github.com/streadway/amqp"
)

type ProducerConsumer interface {
	Produce([]byte) error
	Consume(chan []byte) error
}

type AmqpQueue struct {
	url, queue                               string
	durable, deleteUnused, exclusive, noWait bool
}

type QueueOption func(*AmqpQueue)

func Durable() QueueOption {
	return func(q *AmqpQueue) { q.durable = true }
}

func NewAmqpQueue(url, queueName string, opts ...QueueOption) *AmqpQueue {
	q := &AmqpQueue{
		url, queueName, false, false, false, false,
	}

	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q AmqpQueue) Produce(item []byte) error {
	conn, err := amqp.Dial(q.url)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	queue, err := ch.QueueDeclare(
		q.queue,        // name
		q.durable,      // durable
		q.deleteUnused, // delete when unused
		q.exclusive,    // exclusive
		q.noWait,       // no-wait
		nil,            // arguments
	)
	if err != nil {
		return err
	}

	return ch.Publish(
		"",         // exchange
		queue.Name, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        item,
		},
	)
}

func (q AmqpQueue) Consume(events chan []byte) error {
	conn, err := amqp.Dial(q.url)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	queue, err := ch.QueueDeclare(
		q.queue,
		q.durable,
		q.deleteUnused,
		q.exclusive,
		q.noWait,
		nil,
	)
	if err != nil {
		return err
	}

	deliveries, err := ch.Consume(
		queue.Name, // queue
		"",         // consumer
		true,       // auto-ack
		q.exclusive,
		false, // no-local
		q.noWait,
		nil, // args
	)
	if err != nil {
		return err
	}

	for delivery := range deliveries {
		events <- delivery.Body
	}
	return nil
}

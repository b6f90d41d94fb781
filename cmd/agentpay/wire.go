package main

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/joelklabo/agentpay"
	"github.com/joelklabo/agentpay/appsession"
	"github.com/joelklabo/agentpay/channel"
	"github.com/joelklabo/agentpay/clearnet"
	"github.com/joelklabo/agentpay/ens"
	"github.com/joelklabo/agentpay/hirer"
	"github.com/joelklabo/agentpay/identity"
	"github.com/joelklabo/agentpay/payment"
	"github.com/joelklabo/agentpay/runtime"
	"github.com/joelklabo/agentpay/worker"
)

const appName = "agentpay"

func clearnetConfig(rt *runtime.Runtime, wallet *identity.Wallet) clearnet.Config {
	return clearnet.Config{
		URL:      rt.Config.ClearnetURL,
		Identity: wallet,
		AppName:  appName,
		Logger:   rt.Log,
	}
}

// dialClearnet opens one authenticated clearing session for wallet.
func dialClearnet(ctx context.Context, rt *runtime.Runtime, wallet *identity.Wallet) (*clearnet.Session, error) {
	return clearnet.Dial(ctx, clearnetConfig(rt, wallet))
}

// connectClearnet opens a reconnecting clearing connection for wallet,
// verifying auth up front. Payment retries after a timeout-closed
// session re-dial transparently.
func connectClearnet(ctx context.Context, rt *runtime.Runtime, wallet *identity.Wallet) (*clearnet.Reconnector, error) {
	conn := clearnet.NewReconnector(clearnetConfig(rt, wallet))
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// buildResolver opens the name-service resolver over the chain RPC.
func buildResolver(rt *runtime.Runtime) (*ens.Resolver, *ethclient.Client, error) {
	client, err := ethclient.Dial(rt.Config.RPCURL)
	if err != nil {
		return nil, nil, agentpay.NewErrorf(agentpay.ErrCodeConfigInvalid, "dial %s: %v", rt.Config.RPCURL, err)
	}
	resolver, err := ens.NewResolver(client)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return resolver, client, nil
}

// buildOrchestrator assembles the payment stack: the client's clearing
// session, the app-session path, the optional channel path, and the
// optional demo cosigner holding the counterparty key. The returned
// cleanup closes every session it opened.
func buildOrchestrator(ctx context.Context, rt *runtime.Runtime) (*payment.Orchestrator, func(), error) {
	conn, err := connectClearnet(ctx, rt, rt.Wallet)
	if err != nil {
		return nil, nil, err
	}
	closers := []func(){func() { conn.Close() }}
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	apps := appsession.New(conn, rt.Log)
	opts := []payment.Option{}

	if rt.Config.PaymentMethod == agentpay.PathChannel {
		path, closer, err := buildChannelPath(conn, rt)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, closer)
		opts = append(opts, payment.WithChannelPath(path))
	}

	if rt.Config.WorkerPrivateKey != "" {
		workerWallet, err := identity.FromPrivateKey(rt.Config.WorkerPrivateKey)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		workerConn, err := connectClearnet(ctx, rt, workerWallet)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, func() { workerConn.Close() })
		opts = append(opts, payment.WithCounterparty(
			payment.NewWorkerCosigner(appsession.New(workerConn, rt.Log))))
	}

	orch := payment.New(rt.Config.PaymentMethod, apps, rt.Wallet.Address(), rt.Log, opts...)
	return orch, cleanup, nil
}

func buildChannelPath(sess clearnet.Caller, rt *runtime.Runtime) (*channel.Path, func(), error) {
	if rt.Config.CustodyAddress == "" || rt.Config.AssetToken == "" {
		return nil, nil, agentpay.NewError(agentpay.ErrCodeConfigInvalid,
			"channel path needs AGENTPAY_CUSTODY_ADDRESS and AGENTPAY_ASSET_TOKEN")
	}
	client, err := ethclient.Dial(rt.Config.RPCURL)
	if err != nil {
		return nil, nil, agentpay.NewErrorf(agentpay.ErrCodeConfigInvalid, "dial %s: %v", rt.Config.RPCURL, err)
	}
	chain, err := channel.NewChainClient(client, rt.Wallet,
		big.NewInt(rt.Config.ChainID), common.HexToAddress(rt.Config.CustodyAddress), rt.Log)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	path := channel.New(sess, chain, agentpay.DefaultAsset,
		common.HexToAddress(rt.Config.AssetToken), rt.Log)
	return path, func() { client.Close() }, nil
}

// buildHirer assembles the client side: resolver plus orchestrator.
func buildHirer(ctx context.Context, rt *runtime.Runtime) (*hirer.Hirer, func(), error) {
	resolver, ethClient, err := buildResolver(rt)
	if err != nil {
		return nil, nil, err
	}
	orch, cleanup, err := buildOrchestrator(ctx, rt)
	if err != nil {
		ethClient.Close()
		return nil, nil, err
	}
	h := hirer.New(resolver, orch, nil, rt.Log)
	return h, func() {
		cleanup()
		ethClient.Close()
	}, nil
}

// buildWorkerServer assembles the worker: proof verifiers for both proof
// kinds plus the job server itself.
func buildWorkerServer(rt *runtime.Runtime) (*worker.Server, func(), error) {
	var chainVerifier worker.Verifier
	var closers []func()
	if rt.Config.AssetToken != "" {
		client, err := ethclient.Dial(rt.Config.RPCURL)
		if err != nil {
			return nil, nil, agentpay.NewErrorf(agentpay.ErrCodeConfigInvalid, "dial %s: %v", rt.Config.RPCURL, err)
		}
		closers = append(closers, client.Close)
		chainVerifier = worker.NewChainVerifier(client, common.HexToAddress(rt.Config.AssetToken), rt.Log)
	}

	verify := &worker.ProofVerifier{
		Chain: chainVerifier,
		Clearing: worker.NewClearnetVerifier(func(ctx context.Context) (*clearnet.Session, error) {
			return dialClearnet(ctx, rt, rt.Wallet)
		}, rt.Log),
	}

	srv, err := worker.NewServer(worker.Config{
		WorkerAddress: rt.Wallet.AddressHex(),
		Price:         rt.Config.Price,
		Asset:         agentpay.DefaultAsset,
		BillTTL:       rt.Config.BillTTL,
	}, verify, nil, worker.NewStatusRecorder(rt.Config.StatusFile), rt.Log)
	if err != nil {
		for _, c := range closers {
			c()
		}
		return nil, nil, err
	}
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}
	return srv, cleanup, nil
}
